package forge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// StableJSON renders v as JSON with object keys sorted lexicographically at
// every nesting level, so the same logical value always produces the same
// bytes. The double round-trip normalizes struct field order into sorted map
// order.
func StableJSON(v interface{}) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var norm interface{}
	if err := json.Unmarshal(first, &norm); err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// SHA256Hex returns the lowercase hex digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// InputHash is the SHA-256 of the stable JSON form of the call input.
func InputHash(input interface{}) (string, error) {
	stable, err := StableJSON(input)
	if err != nil {
		return "", fmt.Errorf("input not JSON-serializable: %w", err)
	}
	return SHA256Hex(stable), nil
}

// ResultHash hashes the stable JSON form of a result, falling back to its
// string form when the result is not JSON-serializable.
func ResultHash(result interface{}) string {
	stable, err := StableJSON(result)
	if err != nil {
		return SHA256Hex([]byte(fmt.Sprintf("%v", result)))
	}
	return SHA256Hex(stable)
}

// CallID derives the 16-hex call identifier from tool identity and the call's
// start instant. The timestamp keeps nanosecond precision so two calls within
// the same second still get distinct ids.
func CallID(toolID, version string, start time.Time) string {
	seed := fmt.Sprintf("%s:%s:%s", toolID, version, start.UTC().Format(time.RFC3339Nano))
	return SHA256Hex([]byte(seed))[:16]
}
