package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint hashes the JSON encoding of fields. encoding/json writes map
// keys in sorted order, so insertion order never changes the result.
func Fingerprint(fields map[string]interface{}) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RequestFingerprint is the cache key for a generation request. An unset
// maxTokens or temperature hashes as null, apart from any explicit value,
// since the provider then applies its own default.
func RequestFingerprint(prompt, capability string, maxTokens *int, temperature *float64) string {
	// a map of strings and number pointers always marshals
	key, _ := Fingerprint(map[string]interface{}{
		"prompt":      prompt,
		"capability":  capability,
		"maxTokens":   maxTokens,
		"temperature": temperature,
	})
	return key
}
