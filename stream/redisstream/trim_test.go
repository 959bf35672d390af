package redisstream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/penguintechinc/killkrill-sub000/stream"
)

func TestTrimCutoff(t *testing.T) {
	id := stream.MustParseID
	age := func(s string) *stream.ID {
		v := id(s)
		return &v
	}

	tests := []struct {
		name    string
		cursors []stream.ID
		pending []stream.ID
		age     *stream.ID
		want    string
		ok      bool
	}{
		{name: "no groups", ok: false},
		{name: "group never read", cursors: []stream.ID{stream.MinID}, ok: false},
		{name: "single cursor", cursors: []stream.ID{id("10-2")}, want: "10-3", ok: true},
		{name: "slowest group wins", cursors: []stream.ID{id("30-0"), id("10-2")}, want: "10-3", ok: true},
		{name: "pending holds back", cursors: []stream.ID{id("30-0")}, pending: []stream.ID{id("20-1")}, want: "20-1", ok: true},
		{name: "pending above cursor ignored", cursors: []stream.ID{id("10-0")}, pending: []stream.ID{id("40-0")}, want: "10-1", ok: true},
		{name: "age holds back", cursors: []stream.ID{id("30-0")}, age: age("15-0"), want: "15-0", ok: true},
		{name: "age past cursor", cursors: []stream.ID{id("30-0")}, age: age("99-0"), want: "30-1", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := trimCutoff(tt.cursors, tt.pending, tt.age)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.String())
			}
		})
	}
}
