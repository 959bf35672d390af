// Package stream provides the ordered, multi-consumer-group append log that
// decouples receivers from workers.
//
// A Stream assigns every appended event a strictly increasing ID. Consumer
// groups read independently: each group has its own cursor (the last
// delivered ID) and a pending set of entries delivered but not yet
// acknowledged. A pending entry is invisible to the other members of its
// group until it is acknowledged or its visibility timeout expires, at which
// point the next ReadBatch on that group reclaims it. Delivery is therefore
// at-least-once; sinks make the outcome effectively-once by writing with
// deterministic ids.
//
// Three backends implement the contract: Memory (optionally durable through a
// Journal), redisstream (Redis Streams) and jsstream (NATS JetStream).
// Router spreads events over N partition streams by key.
package stream

import (
	"context"
	"time"

	"github.com/penguintechinc/killkrill-sub000/event"
)

// Defaults
const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxLen            = 1_000_000
)

// Stream is the contract shared by all backends. All operations are safe for
// concurrent use.
type Stream interface {
	// Name identifies the stream (for partitions, "<base>.<partition>").
	Name() string

	// Append validates and stores ev. It never blocks on capacity: a full
	// stream that cannot be trimmed fails with errors.ErrCapacityExceeded.
	Append(ctx context.Context, ev event.Event) (ID, error)

	// ReadBatch claims up to maxCount entries for consumer within group:
	// expired claims first, then entries never delivered to the group. With
	// nothing ready and block > 0 it waits up to block for new entries and
	// returns an empty slice on timeout.
	ReadBatch(ctx context.Context, group, consumer string, maxCount int, block time.Duration) ([]Entry, error)

	// Ack removes ids from the group's pending set and returns how many were
	// actually pending. Unknown or already acknowledged ids are ignored.
	Ack(ctx context.Context, group string, ids ...ID) (int, error)

	// Pending lists the group's delivered but unacknowledged entries in ID order.
	Pending(ctx context.Context, group string) ([]PendingEntry, error)

	// CreateGroup registers a consumer group. It is idempotent.
	CreateGroup(ctx context.Context, name string, opts GroupOptions) error

	// Groups describes every registered group.
	Groups(ctx context.Context) ([]GroupInfo, error)

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)

	// Trim physically removes entries every group is done with and returns
	// how many were removed.
	Trim(ctx context.Context) (int, error)

	Close() error
}

// Entry is a stored event together with the delivery state of the group it
// was read for.
type Entry struct {
	ID         ID          `json:"id"`
	Payload    []byte      `json:"-"`
	Event      event.Event `json:"event"`
	AppendedAt time.Time   `json:"appended_at"`

	Consumer    string    `json:"consumer,omitempty"`
	Deliveries  int       `json:"deliveries,omitempty"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`

	// DecodeErr is set when the stored payload could not be decoded. Event
	// is then zero and Payload holds the raw bytes. The entry is still
	// claimed like any other so the reader can dead-letter it.
	DecodeErr error `json:"-"`
}

// PendingEntry describes one in-flight claim.
type PendingEntry struct {
	ID         ID            `json:"id"`
	Consumer   string        `json:"consumer"`
	Deliveries int           `json:"deliveries"`
	Age        time.Duration `json:"age"`
}

// GroupOptions configures a new consumer group.
type GroupOptions struct {
	// StartAt is the last ID considered delivered; the zero ID starts at the
	// beginning of the stream.
	StartAt ID
	// NewOnly starts the group after the current last entry, ignoring StartAt.
	NewOnly bool
	// VisibilityTimeout is how long a claim hides an entry from the rest of
	// the group. Zero uses the stream default.
	VisibilityTimeout time.Duration
}

// GroupInfo is a point-in-time view of a consumer group.
type GroupInfo struct {
	Name              string        `json:"name"`
	LastDelivered     ID            `json:"last_delivered"`
	Pending           int           `json:"pending"`
	Lag               int           `json:"lag"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
}
