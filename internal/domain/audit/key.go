package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// CacheKey builds the content-addressed cache key for one role task.
// Any change to the provider, role, template version, rendered prompt, or
// document content produces a different key, so cached entries never go
// stale without the key changing too.
func CacheKey(providerID, roleID, templateVersion, prompt, content string) string {
	h := sha256.New()
	for _, part := range []string{providerID, roleID, templateVersion, prompt, content} {
		// Length-prefix framing so part boundaries can't collide.
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
