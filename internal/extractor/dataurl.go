package extractor

import (
	"encoding/base64"
	"errors"
	"strings"
)

var errNotDataURL = errors.New("not a base64 data url")

// decodeDataURL returns the payload of a base64 data URL.
func decodeDataURL(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, errNotDataURL
	}
	meta, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, errNotDataURL
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty data url")
	}
	return b, nil
}
