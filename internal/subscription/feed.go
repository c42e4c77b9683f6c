// Package subscription maintains long-lived subscriptions to the remote
// change feed, with retry/backoff on transport errors and a periodic sweep
// of abandoned subscriptions.
package subscription

import (
	"context"
	"encoding/json"
	"io"
)

// ChangeType classifies a remote data mutation.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one notification from the remote change feed.
type ChangeEvent struct {
	ChangeType ChangeType      `json:"changeType"`
	EntityID   string          `json:"entityId"`
	Collection string          `json:"collection"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Feed is the transport the manager subscribes through. Open establishes a
// live connection delivering events for one (collection, filter) pair.
// Transport failures after a successful Open are reported through onError;
// the manager reacts by scheduling a reconnect.
type Feed interface {
	Open(ctx context.Context, collection, filter string, onEvent func(ChangeEvent), onError func(error)) (io.Closer, error)
}
