package common

import (
	"encoding/base64"
	"fmt"
)

// EncodeBase64 renders opaque paging state (gocql page tokens on the
// transcript listings) as a URL-safe string.
func EncodeBase64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64 parses a page token produced by EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}
