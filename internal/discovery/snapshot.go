package discovery

import (
	"encoding/json"

	"git.home.luguber.info/inful/prmonitor/internal/model"
)

// Snapshots are the JSON bodies stored in the two-tier cache against an ETag.

func marshalSnapshot(prs []model.DiscoveredPR) ([]byte, error) {
	return json.Marshal(prs)
}

func unmarshalSnapshot(data []byte, out *[]model.DiscoveredPR) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func marshalCheckSnapshot(runs []model.DiscoveredCheckRun) ([]byte, error) {
	return json.Marshal(runs)
}

func unmarshalCheckSnapshot(data []byte, out *[]model.DiscoveredCheckRun) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, out) == nil
}
