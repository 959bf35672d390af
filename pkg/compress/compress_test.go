package compress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat(`{"service":"api","level":"INFO","message":"request served"}`+"\n", 200))
	for _, c := range []Codec{None, Gzip, Zstd, LZ4, Snappy} {
		t.Run(string(c), func(t *testing.T) {
			packed, err := c.Compress(data)
			require.NoError(t, err)
			if c != None {
				assert.Less(t, len(packed), len(data))
			}
			unpacked, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, unpacked))
		})
	}
}

func TestParse(t *testing.T) {
	c, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Zstd, c)

	c, err = Parse("lz4")
	require.NoError(t, err)
	assert.Equal(t, ".lz4", c.Extension())

	_, err = Parse("brotli")
	assert.Error(t, err)
}

func TestDecompressGarbage(t *testing.T) {
	_, err := Gzip.Decompress([]byte("not gzip"))
	assert.Error(t, err)
	_, err = Zstd.Decompress([]byte("not zstd"))
	assert.Error(t, err)
}
