// Package compress provides the stream codecs used for archived batches.
//
// Each codec writes a self-delimiting frame format, so archived objects can be
// read back with the matching command line tool (zstd, lz4, gzip) or any
// snappy framing reader.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a compression format.
type Codec string

// Codecs
const (
	None   Codec = "none"
	Gzip   Codec = "gzip"
	Zstd   Codec = "zstd"
	LZ4    Codec = "lz4"
	Snappy Codec = "snappy"
)

// Parse parses a codec name. The empty string selects Zstd.
func Parse(name string) (Codec, error) {
	switch c := Codec(name); c {
	case "":
		return Zstd, nil
	case None, Gzip, Zstd, LZ4, Snappy:
		return c, nil
	default:
		return "", fmt.Errorf("unknown compression codec: %q", name)
	}
}

// Extension returns the file suffix for objects written with c.
func (c Codec) Extension() string {
	switch c {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case LZ4:
		return ".lz4"
	case Snappy:
		return ".sz"
	default:
		return ""
	}
}

// ContentEncoding returns the HTTP Content-Encoding value, empty when none
// applies.
func (c Codec) ContentEncoding() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return ""
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w. Close flushes the frame but does not close w.
func (c Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case LZ4:
		return lz4.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression codec: %q", c)
	}
}

// NewReader wraps r for decompression.
func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression codec: %q", c)
	}
}

// Compress encodes data in one call.
func (c Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%s compress: %w", c, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s compress: %w", c, err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes data in one call.
func (c Codec) Decompress(data []byte) ([]byte, error) {
	r, err := c.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c, err)
	}
	return out, nil
}
