// Package events mirrors committed change events to an external NATS
// broker so out-of-process consumers (search indexers, caches) can
// follow the stream without holding a websocket to this service.
package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/altsci/atdata/internal/changestream"
	"github.com/altsci/atdata/internal/model"
)

// Subject layout: atdata.changes.<collection-short-name>.<operation>,
// e.g. atdata.changes.entry.create. Wildcard subscribers can follow
// "atdata.changes.>" for everything.
const subjectPrefix = "atdata.changes"

// Subject returns the broker subject for a collection and operation.
func Subject(collection model.Collection, op model.Operation) string {
	short := string(collection)
	if i := strings.LastIndex(short, "."); i >= 0 {
		short = short[i+1:]
	}
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, short, op)
}

// Publisher is the interface for emitting events to the broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
	Close() error
}

// Mirror adapts a Publisher to the ingestion processor's mirror hook.
type Mirror struct {
	pub Publisher
}

// NewMirror wraps a Publisher.
func NewMirror(pub Publisher) *Mirror {
	return &Mirror{pub: pub}
}

// Publish forwards one change event to the broker.
func (m *Mirror) Publish(ctx context.Context, ev changestream.Event) error {
	return m.pub.Publish(ctx, Subject(ev.Collection, ev.Type), ev)
}

// Close releases the underlying broker connection.
func (m *Mirror) Close() error {
	return m.pub.Close()
}
