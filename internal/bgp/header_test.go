package bgp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func rawHeader(length uint16, typ uint8) []byte {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, length, typ)
	return buf
}

func TestParseHeaderBadMarker(t *testing.T) {
	buf := rawHeader(MinLen, MsgKeepalive)
	buf[0] = 0x00

	_, err := ParseHeader(buf)
	assert.Error(t, err)
	bgpErr, ok := err.(*Error)
	assert.True(t, ok)
	assert.Equal(t, ErrHeader, bgpErr.Code)
	assert.Equal(t, SubHeaderSync, bgpErr.Subcode)
}

func TestParseHeaderLengthBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		length  uint16
		typ     uint8
		wantErr bool
	}{
		{"18 rejected", 18, MsgKeepalive, true},
		{"19 keepalive accepted", 19, MsgKeepalive, false},
		{"19 open rejected (too short)", 19, MsgOpen, true},
		{"4096 accepted", 4096, MsgUpdate, false},
		{"4097 rejected", 4097, MsgUpdate, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := make([]byte, HeaderLen)
			PutHeader(buf, c.length, c.typ)
			if c.length < MinLen {
				// can't legally encode <19 in a real header; hand-craft it
				buf[MarkerLen] = byte(c.length >> 8)
				buf[MarkerLen+1] = byte(c.length)
			}
			_, err := ParseHeader(buf)
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseHeaderBadType(t *testing.T) {
	buf := rawHeader(MinLen, 200)
	_, err := ParseHeader(buf)
	assert.Error(t, err)
	bgpErr := err.(*Error)
	assert.Equal(t, SubHeaderBadType, bgpErr.Subcode)
}

func TestParseHeaderShort(t *testing.T) {
	_, err := ParseHeader(make([]byte, 10))
	assert.Error(t, err)
}
