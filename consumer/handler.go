package consumer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

// Handler turns stream entries into sink writes for one pipeline.
//
// Process is called with every entry of a batch that is still eligible for
// processing and returns one error per entry, index-aligned (a nil slice
// means all succeeded). An invalid error (errors.IsInvalid) marks the entry as permanently unprocessable; any
// other error leaves it pending for redelivery.
//
// Commit durably writes the entries Process accepted. It returns nil when all
// were written, a *CommitError naming the entries that were not, or any other
// error when none were.
type Handler interface {
	Process(ctx context.Context, entries []stream.Entry) []error
	Commit(ctx context.Context, entries []stream.Entry) error
}

// Flusher is implemented by handlers holding state between batches, such as
// open aggregation windows. Flush is called after every cycle, including
// empty ones, and once with final set during shutdown.
type Flusher interface {
	Flush(ctx context.Context, now time.Time, final bool) error
}

// CommitError reports the entries a Commit failed to write.
type CommitError struct {
	Failed map[stream.ID]error
}

func (e *CommitError) Error() string {
	parts := make([]string, 0, min(len(e.Failed), 3))
	for id, err := range e.Failed {
		if len(parts) == 3 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%s: %v", id, err))
	}
	return fmt.Sprintf("commit failed for %d entries: %s", len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes the per-entry causes to errors.Is.
func (e *CommitError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// commitFailures maps the error returned by Commit onto entry ids.
func commitFailures(entries []stream.Entry, err error) map[stream.ID]error {
	if err == nil {
		return nil
	}
	var ce *CommitError
	if errors.As(err, &ce) {
		return ce.Failed
	}
	out := make(map[stream.ID]error, len(entries))
	for _, e := range entries {
		out[e.ID] = err
	}
	return out
}

// permanent reports whether a processing error can never succeed on retry.
func permanent(err error) bool {
	return errors.IsInvalid(err)
}
