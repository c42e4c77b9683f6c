package resilience

import (
	"crypto/md5"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Deduplicator collapses concurrent identical remote calls into a single
// execution. All attached callers receive the same outcome, success or
// failure. Once a call resolves its key is forgotten, so a later identical
// call executes again.
type Deduplicator struct {
	group singleflight.Group
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Do executes fn unless an identical call (same key) is already in flight,
// in which case the caller waits for that call's result. The shared return
// reports whether the result was shared with other callers.
func (d *Deduplicator) Do(key string, fn func() (any, error)) (value any, shared bool, err error) {
	value, err, shared = d.group.Do(key, fn)
	return value, shared, err
}

// DoChan is the channel form of Do, for callers that need to stop waiting
// without cancelling the underlying call.
func (d *Deduplicator) DoChan(key string, fn func() (any, error)) <-chan singleflight.Result {
	return d.group.DoChan(key, fn)
}

// DedupKey derives the dedup identity of an operation from its name and
// arguments. Arguments are serialized and hashed so composite query inputs
// produce stable keys.
func DedupKey(operation string, args ...any) string {
	if len(args) == 0 {
		return operation
	}

	data, err := json.Marshal(args)
	if err != nil {
		// Unserializable arguments fall back to the fmt representation;
		// a weaker key only costs a missed dedup opportunity.
		data = []byte(fmt.Sprint(args...))
	}

	return fmt.Sprintf("%s:%x", operation, md5.Sum(data))
}
