package model

import (
	"fmt"
	"strings"
)

// ParseATURI splits an at://did/collection/rkey URI into its parts.
func ParseATURI(uri string) (did, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("invalid AT-URI: %s", uri)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid AT-URI: %s", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// MakeATURI builds an at:// URI from its parts.
func MakeATURI(did string, collection Collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}
