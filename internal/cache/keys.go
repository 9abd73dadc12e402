package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// maxKeyLength bounds raw keys; anything longer is rewritten to a stable
// digest form so backends with key-size limits stay happy.
const maxKeyLength = 200

const etagSuffix = ":etag"

// normalizeKey rewrites over-long keys to "disc:<prefix>...<sha256[:16]>".
// Short keys pass through untouched so patterns match what callers wrote.
func normalizeKey(key string) string {
	if len(key) <= maxKeyLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "disc:" + key[:32] + "..." + hex.EncodeToString(sum[:])[:16]
}

// etagKey returns the companion key holding a value's ETag.
func etagKey(key string) string {
	return normalizeKey(key) + etagSuffix
}
