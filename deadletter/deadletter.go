// Package deadletter holds stream entries that workers gave up on.
//
// An entry lands here when its delivery count exceeds the worker's
// max_retries, or immediately when it can never be processed: a payload that
// does not decode (ReasonCorrupt) or an event the handler rejects
// (ReasonInvalid). Entries are never removed automatically;
// an operator lists them, then deletes or requeues them.
package deadletter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

// Failure reasons
const (
	ReasonMaxRetries = "max_retries"
	ReasonInvalid    = "invalid"
	ReasonCorrupt    = "corrupt"
)

// Entry is a dead-lettered stream entry.
type Entry struct {
	Stream  string      `json:"stream" yaml:"stream"`
	Group   string      `json:"group" yaml:"group"`
	EntryID stream.ID   `json:"entry_id" yaml:"entry_id"`
	Event   event.Event `json:"event" yaml:"event"`
	// Payload is the raw stored bytes of an entry that did not decode.
	Payload []byte `json:"payload,omitempty" yaml:"payload,omitempty"`

	AppendedAt     time.Time `json:"appended_at" yaml:"appended_at"`
	FailureReason  string    `json:"failure_reason" yaml:"failure_reason"`
	LastError      string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	AttemptCount   int       `json:"attempt_count" yaml:"attempt_count"`
	FirstFailedAt  time.Time `json:"first_failed_at" yaml:"first_failed_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at" yaml:"dead_lettered_at"`
}

// Key identifies the entry: "<stream>/<group>/<entry id>".
func (e Entry) Key() string {
	return e.Stream + "/" + e.Group + "/" + e.EntryID.String()
}

// ParseKey splits a key produced by Entry.Key.
func ParseKey(key string) (streamName, group string, id stream.ID, err error) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return "", "", stream.ID{}, fmt.Errorf("%w: dead-letter key %q", errors.ErrInvalidData, key)
	}
	j := strings.LastIndexByte(key[:i], '/')
	if j < 0 {
		return "", "", stream.ID{}, fmt.Errorf("%w: dead-letter key %q", errors.ErrInvalidData, key)
	}
	id, err = stream.ParseID(key[i+1:])
	if err != nil {
		return "", "", stream.ID{}, err
	}
	return key[:j], key[j+1 : i], id, nil
}

// NewEntry builds an Entry from the stream entry a worker is giving up on.
func NewEntry(streamName, group string, e stream.Entry, reason string, lastErr error, firstFailed, now time.Time) Entry {
	if firstFailed.IsZero() {
		firstFailed = now
	}
	out := Entry{
		Stream:         streamName,
		Group:          group,
		EntryID:        e.ID,
		Event:          e.Event,
		AppendedAt:     e.AppendedAt,
		FailureReason:  reason,
		AttemptCount:   e.Deliveries,
		FirstFailedAt:  firstFailed,
		DeadLetteredAt: now,
	}
	if e.DecodeErr != nil {
		out.Payload = e.Payload
		if lastErr == nil {
			lastErr = e.DecodeErr
		}
	}
	if lastErr != nil {
		out.LastError = lastErr.Error()
	}
	return out
}

// Filter narrows List. Zero fields match everything; Limit 0 means no limit.
type Filter struct {
	Stream string
	Group  string
	Limit  int
}

func (f Filter) matches(e Entry) bool {
	if f.Stream != "" && e.Stream != f.Stream {
		return false
	}
	if f.Group != "" && e.Group != f.Group {
		return false
	}
	return true
}

// Store persists dead-lettered entries.
type Store interface {
	// Put records e. It reports false when an entry with the same key is
	// already stored, leaving the stored entry untouched.
	Put(ctx context.Context, e Entry) (bool, error)

	// Get returns the entry for key or errors.ErrKeyNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// List returns matching entries, most recently dead-lettered first.
	List(ctx context.Context, f Filter) ([]Entry, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Appender republishes events, normally a stream.Router.
type Appender interface {
	Append(ctx context.Context, ev event.Event) (stream.Position, error)
}

// Requeue appends the stored event to the stream again as a new entry and
// removes it from the store. The entry is only removed once the append
// succeeded. Corrupt entries have no event to append and can only be deleted.
func Requeue(ctx context.Context, store Store, to Appender, key string) (stream.Position, error) {
	e, err := store.Get(ctx, key)
	if err != nil {
		return stream.Position{}, err
	}
	if e.FailureReason == ReasonCorrupt {
		return stream.Position{}, errors.WrapInvalid(errors.ErrDataCorrupted, "deadletter", "Requeue", key)
	}
	pos, err := to.Append(ctx, e.Event)
	if err != nil {
		return stream.Position{}, errors.Wrap(err, "deadletter", "Requeue", "append event")
	}
	if err := store.Delete(ctx, key); err != nil {
		return pos, errors.Wrap(err, "deadletter", "Requeue", "delete entry")
	}
	return pos, nil
}
