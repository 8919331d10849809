package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

func hmacSHA256(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// equalHex compares a hex-encoded signature against expected in constant time.
func equalHex(provided string, expected []byte) bool {
	got, err := hex.DecodeString(strings.TrimSpace(provided))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, expected)
}

// equalBase64 compares a base64-encoded signature against expected in constant time.
func equalBase64(provided string, expected []byte) bool {
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(provided))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, expected)
}

// SignHex returns the hex HMAC-SHA256 of the concatenated parts. Tests and
// local tooling use it to produce provider-shaped signatures.
func SignHex(secret string, parts ...[]byte) string {
	return hex.EncodeToString(hmacSHA256(secret, parts...))
}

// SignBase64 returns the base64 HMAC-SHA256 of the concatenated parts.
func SignBase64(secret string, parts ...[]byte) string {
	return base64.StdEncoding.EncodeToString(hmacSHA256(secret, parts...))
}
