package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/snappy"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/codec"
)

// DefaultSegmentBytes is the journal segment size that triggers rotation.
const DefaultSegmentBytes int64 = 64 << 20

const (
	segmentExt  = ".wal"
	frameHeader = 8
	maxFrame    = 256 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// JournalConfig configures the write-ahead journal of a Memory stream.
type JournalConfig struct {
	Dir string `json:"dir"`
	// SegmentBytes triggers rotation with snapshot compaction.
	SegmentBytes int64 `json:"segment_bytes"`
	// NoSync skips the fsync after every record.
	NoSync bool `json:"no_sync"`
}

type recordOp uint8

const (
	opAppend recordOp = iota + 1
	opDeliver
	opAck
	opGroup
	opTrim
	opSnapshot
)

type journalRecord struct {
	Op         recordOp         `cbor:"1,keyasint"`
	ID         ID               `cbor:"2,keyasint"`
	IDs        []ID             `cbor:"3,keyasint,omitempty"`
	Group      string           `cbor:"4,keyasint,omitempty"`
	Consumer   string           `cbor:"5,keyasint,omitempty"`
	Payload    []byte           `cbor:"6,keyasint,omitempty"`
	At         int64            `cbor:"7,keyasint,omitempty"`
	Visibility int64            `cbor:"8,keyasint,omitempty"`
	Snapshot   *journalSnapshot `cbor:"9,keyasint,omitempty"`
}

type journalSnapshot struct {
	LastID  ID              `cbor:"1,keyasint"`
	Entries []snapshotEntry `cbor:"2,keyasint"`
	Groups  []snapshotGroup `cbor:"3,keyasint"`
}

type snapshotEntry struct {
	ID      ID     `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
	At      int64  `cbor:"3,keyasint"`
}

type snapshotGroup struct {
	Name          string          `cbor:"1,keyasint"`
	LastDelivered ID              `cbor:"2,keyasint"`
	Visibility    int64           `cbor:"3,keyasint"`
	Pending       []snapshotClaim `cbor:"4,keyasint"`
}

type snapshotClaim struct {
	ID         ID     `cbor:"1,keyasint"`
	Consumer   string `cbor:"2,keyasint"`
	Deliveries int    `cbor:"3,keyasint"`
	// At is the delivery time in unix nanoseconds.
	At int64 `cbor:"4,keyasint,omitempty"`
}

// Journal is an append-only log of stream mutations split into numbered
// segment files. Each record is framed as
//
//	[len:4][crc32c:4][snappy(cbor(record))]
//
// When the active segment exceeds SegmentBytes a new segment is started with
// a snapshot of the full stream state and older segments are removed.
type Journal struct {
	cfg    JournalConfig
	logger *slog.Logger

	mu       sync.Mutex
	segments []uint64
	file     *os.File
	size     int64
	snapshot func() journalRecord
	buf      []byte
}

// OpenJournal prepares a journal directory. Nothing is read until Replay.
func OpenJournal(cfg JournalConfig, logger *slog.Logger) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Journal", "OpenJournal", "journal directory")
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = DefaultSegmentBytes
	}
	if logger == nil {
		logger = slog.Default().With("component", "journal", "dir", cfg.Dir)
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, errors.WrapFatal(err, "Journal", "OpenJournal", "create directory")
	}

	segments, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, errors.WrapFatal(err, "Journal", "OpenJournal", "list segments")
	}
	return &Journal{cfg: cfg, logger: logger, segments: segments}, nil
}

func listSegments(dir string) ([]uint64, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (j *Journal) segmentPath(n uint64) string {
	return filepath.Join(j.cfg.Dir, fmt.Sprintf("%020d%s", n, segmentExt))
}

func (j *Journal) setSnapshotter(fn func() journalRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshot = fn
}

// Replay feeds every record to apply in write order and returns the number
// applied. A torn record at the tail of the newest segment is truncated;
// damage anywhere else fails with errors.ErrDataCorrupted.
func (j *Journal) Replay(apply func(journalRecord) error) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	total := 0
	for i, n := range j.segments {
		last := i == len(j.segments)-1
		count, err := j.replaySegment(n, last, apply)
		total += count
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (j *Journal) replaySegment(n uint64, last bool, apply func(journalRecord) error) (int, error) {
	path := j.segmentPath(n)
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WrapFatal(err, "Journal", "Replay", "open segment")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	count := 0
	for {
		rec, size, err := readFrame(r)
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			if !last {
				return count, fmt.Errorf("%w: segment %s at offset %d: %v", errors.ErrDataCorrupted, path, offset, err)
			}
			j.logger.Warn("Truncating torn journal tail", "segment", path, "offset", offset, "error", err)
			if terr := os.Truncate(path, offset); terr != nil {
				return count, errors.WrapFatal(terr, "Journal", "Replay", "truncate torn tail")
			}
			return count, nil
		}
		if err := apply(rec); err != nil {
			return count, errors.Wrap(err, "Journal", "Replay", fmt.Sprintf("apply record at %s:%d", path, offset))
		}
		offset += size
		count++
	}
}

func readFrame(r io.Reader) (journalRecord, int64, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return journalRecord{}, 0, fmt.Errorf("short header: %w", err)
		}
		return journalRecord{}, 0, err
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	sum := binary.BigEndian.Uint32(hdr[4:8])
	if length == 0 || length > maxFrame {
		return journalRecord{}, 0, fmt.Errorf("frame length %d out of range", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return journalRecord{}, 0, fmt.Errorf("short body: %w", io.ErrUnexpectedEOF)
	}
	if crc32.Checksum(body, crcTable) != sum {
		return journalRecord{}, 0, errors.ErrChecksumFailed
	}

	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return journalRecord{}, 0, fmt.Errorf("decompress: %w", err)
	}
	var rec journalRecord
	if err := codec.Unmarshal(raw, &rec); err != nil {
		return journalRecord{}, 0, fmt.Errorf("decode: %w", err)
	}
	return rec, int64(frameHeader + len(body)), nil
}

// write appends one record to the active segment, opening it if needed.
func (j *Journal) write(rec journalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeLocked(rec)
}

func (j *Journal) writeLocked(rec journalRecord) error {
	if j.file == nil {
		if err := j.openActiveLocked(); err != nil {
			return err
		}
	}

	raw, err := codec.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "Journal", "Write", "encode record")
	}
	body := snappy.Encode(nil, raw)

	frame := j.buf[:0]
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	frame = binary.BigEndian.AppendUint32(frame, crc32.Checksum(body, crcTable))
	frame = append(frame, body...)
	j.buf = frame

	if _, err := j.file.Write(frame); err != nil {
		return errors.WrapTransient(err, "Journal", "Write", "append frame")
	}
	if !j.cfg.NoSync {
		if err := j.file.Sync(); err != nil {
			return errors.WrapTransient(err, "Journal", "Write", "sync segment")
		}
	}
	j.size += int64(len(frame))
	return nil
}

func (j *Journal) openActiveLocked() error {
	if len(j.segments) == 0 {
		j.segments = append(j.segments, 1)
	}
	path := j.segmentPath(j.segments[len(j.segments)-1])
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return errors.WrapFatal(err, "Journal", "Write", "open segment")
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.WrapFatal(err, "Journal", "Write", "stat segment")
	}
	j.file = f
	j.size = info.Size()
	return nil
}

// maybeRotate starts a new segment with a snapshot once the active one is
// over SegmentBytes. The caller must hold the lock the snapshotter reads
// under. Failures are logged; the old segments stay valid.
func (j *Journal) maybeRotate() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.size < j.cfg.SegmentBytes || j.snapshot == nil || j.file == nil {
		return
	}

	old, oldSize := j.file, j.size
	oldSegments := append([]uint64(nil), j.segments...)
	next := oldSegments[len(oldSegments)-1] + 1
	nextPath := j.segmentPath(next)

	f, err := os.OpenFile(nextPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		j.logger.Warn("Journal rotation failed", "error", err)
		return
	}
	j.file, j.size = f, 0
	j.segments = append(j.segments, next)

	revert := func(err error) {
		j.logger.Warn("Journal snapshot failed, keeping previous segments", "error", err)
		_ = f.Close()
		_ = os.Remove(nextPath)
		j.file, j.size, j.segments = old, oldSize, oldSegments
	}
	if err := j.writeLocked(j.snapshot()); err != nil {
		revert(err)
		return
	}
	if err := f.Sync(); err != nil {
		revert(err)
		return
	}

	_ = old.Close()
	for _, n := range oldSegments {
		if err := os.Remove(j.segmentPath(n)); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("Removing compacted segment failed", "segment", n, "error", err)
		}
	}
	j.segments = []uint64{next}
	j.logger.Debug("Journal rotated", "segment", next)
}

// Segments returns the numbers of the segment files currently on disk.
func (j *Journal) Segments() []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]uint64(nil), j.segments...)
}

// Close syncs and closes the active segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}
