package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRepo       = "repository"
	KeyRepoID     = "repository_id"
	KeyCycleID    = "cycle_id"
	KeyPRNumber   = "pr_number"
	KeyHeadSHA    = "head_sha"
	KeyResource   = "resource"
	KeyPriority   = "priority"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
	KeyURL        = "url"
	KeyStatus     = "status"
	KeyCount      = "count"
	KeyWorker     = "worker"
	KeyCheckName  = "check_name"
	KeyEventType  = "event_type"
	KeySubject    = "subject"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Repository(r string) slog.Attr    { return slog.String(KeyRepo, r) }
func RepositoryID(id string) slog.Attr { return slog.String(KeyRepoID, id) }
func CycleID(id string) slog.Attr      { return slog.String(KeyCycleID, id) }
func PRNumber(n int) slog.Attr         { return slog.Int(KeyPRNumber, n) }
func HeadSHA(sha string) slog.Attr     { return slog.String(KeyHeadSHA, sha) }
func Resource(r string) slog.Attr      { return slog.String(KeyResource, r) }
func Priority(p string) slog.Attr      { return slog.String(KeyPriority, p) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func URL(u string) slog.Attr           { return slog.String(KeyURL, u) }
func Status(s int) slog.Attr           { return slog.Int(KeyStatus, s) }
func Count(n int) slog.Attr            { return slog.Int(KeyCount, n) }
func Worker(w string) slog.Attr        { return slog.String(KeyWorker, w) }
func CheckName(n string) slog.Attr     { return slog.String(KeyCheckName, n) }
func EventType(t string) slog.Attr     { return slog.String(KeyEventType, t) }
func Subject(s string) slog.Attr       { return slog.String(KeySubject, s) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
