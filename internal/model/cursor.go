package model

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// PageCursor is the opaque recency cursor used by the list and search
// endpoints: the (indexed_at, did, rkey) triple of the last row returned.
type PageCursor struct {
	IndexedAt time.Time
	DID       string
	RKey      string
}

// Encode serializes the cursor as URL-safe base64.
func (c PageCursor) Encode() string {
	raw := fmt.Sprintf("%s::%s::%s", c.IndexedAt.UTC().Format(time.RFC3339Nano), c.DID, c.RKey)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodePageCursor parses a cursor produced by Encode. An empty string
// yields a nil cursor (first page).
func DecodePageCursor(s string) (*PageCursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "::", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid cursor: %s", s)
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return &PageCursor{IndexedAt: at, DID: parts[1], RKey: parts[2]}, nil
}
