package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/codec"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    ID
		wantErr bool
	}{
		{in: "1773489600000-0", want: ID{Millis: 1773489600000}},
		{in: "1773489600000-17", want: ID{Millis: 1773489600000, Seq: 17}},
		{in: "42", want: ID{Millis: 42}},
		{in: "0-0", want: MinID},
		{in: "", wantErr: true},
		{in: "abc-1", wantErr: true},
		{in: "1-x", wantErr: true},
		{in: "-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidData)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestID_Ordering(t *testing.T) {
	a := MustParseID("5-9")
	b := MustParseID("6-0")
	c := MustParseID("6-1")

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(c))
	assert.Equal(t, 0, b.Compare(MustParseID("6")))
	assert.Equal(t, 1, c.Compare(a))
	assert.True(t, MinID.IsZero())
	assert.False(t, a.IsZero())
}

func TestID_TextAndCBOR(t *testing.T) {
	id := ID{Millis: 1773489600000, Seq: 3}
	assert.Equal(t, "1773489600000-3", id.String())
	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), id.Time())

	data, err := json.Marshal(map[string]ID{"id": id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1773489600000-3"}`, string(data))

	var back map[string]ID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back["id"])

	raw, err := codec.Marshal(id)
	require.NoError(t, err)
	var decoded ID
	require.NoError(t, codec.Unmarshal(raw, &decoded))
	assert.Equal(t, id, decoded)
}

func TestNextID(t *testing.T) {
	now := time.UnixMilli(1000)

	assert.Equal(t, ID{Millis: 1000}, nextID(MinID, now))
	assert.Equal(t, ID{Millis: 1000, Seq: 1}, nextID(ID{Millis: 1000}, now))
	assert.Equal(t, ID{Millis: 2000, Seq: 5}, nextID(ID{Millis: 2000, Seq: 4}, now), "clock behind last id")
	assert.Equal(t, ID{Millis: 1000}, nextID(ID{Millis: 999, Seq: 12}, now))
}
