package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

// ID identifies an entry: milliseconds of the append time plus a sequence
// number that disambiguates appends within the same millisecond. IDs order by
// (Millis, Seq) and render as "<ms>-<seq>", the same shape Redis Streams use.
type ID struct {
	_      struct{} `cbor:",toarray"`
	Millis uint64
	Seq    uint64
}

// MinID sorts before every assigned ID.
var MinID = ID{}

// ParseID parses "<ms>-<seq>". A bare "<ms>" means sequence 0.
func ParseID(s string) (ID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: stream id %q", errors.ErrInvalidData, s)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("%w: stream id %q", errors.ErrInvalidData, s)
		}
	}
	return ID{Millis: ms, Seq: seq}, nil
}

// MustParseID is ParseID for constants and tests.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return strconv.FormatUint(id.Millis, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// IsZero reports whether id is MinID.
func (id ID) IsZero() bool {
	return id.Millis == 0 && id.Seq == 0
}

// Compare returns -1, 0 or +1.
func (id ID) Compare(other ID) int {
	switch {
	case id.Millis < other.Millis:
		return -1
	case id.Millis > other.Millis:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool { return id.Compare(other) < 0 }

// Time returns the millisecond timestamp embedded in the id.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id.Millis)).UTC()
}

// MarshalText renders the id for JSON and YAML.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses "<ms>-<seq>".
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// nextID returns the successor of last for an append at now. When the clock
// stalls or steps back the sequence number carries the ordering.
func nextID(last ID, now time.Time) ID {
	ms := uint64(max(now.UnixMilli(), 0))
	if ms > last.Millis {
		return ID{Millis: ms}
	}
	return ID{Millis: last.Millis, Seq: last.Seq + 1}
}
