package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/pkg/partition"
)

// Position locates an entry across partitions. It renders as "<p>/<id>".
type Position struct {
	Partition int `json:"partition"`
	ID        ID  `json:"id"`
}

func (p Position) String() string {
	return strconv.Itoa(p.Partition) + "/" + p.ID.String()
}

// ParsePosition parses "<p>/<ms>-<seq>".
func ParsePosition(s string) (Position, error) {
	ps, ids, ok := strings.Cut(s, "/")
	if !ok {
		return Position{}, fmt.Errorf("%w: position %q", errors.ErrInvalidData, s)
	}
	p, err := strconv.Atoi(ps)
	if err != nil || p < 0 {
		return Position{}, fmt.Errorf("%w: position %q", errors.ErrInvalidData, s)
	}
	id, err := ParseID(ids)
	if err != nil {
		return Position{}, err
	}
	return Position{Partition: p, ID: id}, nil
}

// PartitionName is the stream name of partition p of base.
func PartitionName(base string, p int) string {
	return base + "." + strconv.Itoa(p)
}

// Router spreads events over partition streams by Event.PartitionKey, so all
// events for one service or metric name land on the same partition.
type Router struct {
	base  string
	parts []Stream
}

// NewRouter wraps partition streams, index i being partition i.
func NewRouter(base string, parts []Stream) (*Router, error) {
	if len(parts) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Router", "NewRouter", "at least one partition")
	}
	return &Router{base: base, parts: parts}, nil
}

// Name returns the base stream name
func (r *Router) Name() string { return r.base }

// Partitions returns the partition count
func (r *Router) Partitions() int { return len(r.parts) }

// Partition returns partition p.
func (r *Router) Partition(p int) Stream { return r.parts[p] }

// PartitionFor returns the partition an event key routes to.
func (r *Router) PartitionFor(key string) int {
	return partition.Of(key, len(r.parts))
}

// Append routes ev to its partition.
func (r *Router) Append(ctx context.Context, ev event.Event) (Position, error) {
	p := r.PartitionFor(ev.PartitionKey())
	id, err := r.parts[p].Append(ctx, ev)
	if err != nil {
		return Position{}, err
	}
	return Position{Partition: p, ID: id}, nil
}

// CreateGroup registers the group on every partition.
func (r *Router) CreateGroup(ctx context.Context, name string, opts GroupOptions) error {
	for p, s := range r.parts {
		if err := s.CreateGroup(ctx, name, opts); err != nil {
			return errors.Wrap(err, "Router", "CreateGroup", fmt.Sprintf("partition %d", p))
		}
	}
	return nil
}

// Len sums the length of every partition.
func (r *Router) Len(ctx context.Context) (int, error) {
	total := 0
	for _, s := range r.parts {
		n, err := s.Len(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Trim trims every partition.
func (r *Router) Trim(ctx context.Context) (int, error) {
	total := 0
	for _, s := range r.parts {
		n, err := s.Trim(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close closes every partition and returns the first error.
func (r *Router) Close() error {
	var first error
	for _, s := range r.parts {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
