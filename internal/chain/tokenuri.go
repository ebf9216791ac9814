package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const jsonDataURIPrefix = "data:application/json;base64,"

// EncodeTokenURI renders metadata as an inline JSON data URI, so awards need no
// external metadata host.
func EncodeTokenURI(metadata any) (string, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode token metadata: %w", err)
	}
	return jsonDataURIPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTokenURI parses a data URI produced by EncodeTokenURI into v.
func DecodeTokenURI(uri string, v any) error {
	if !strings.HasPrefix(uri, jsonDataURIPrefix) {
		return fmt.Errorf("unsupported token uri scheme")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, jsonDataURIPrefix))
	if err != nil {
		return fmt.Errorf("decode token uri: %w", err)
	}
	return json.Unmarshal(raw, v)
}
