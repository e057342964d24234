package msg

import (
	"testing"

	"github.com/openbgpd-go/sessiond/internal/bgp"
	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRoundTrip(t *testing.T) {
	caps := capability.NewSet()
	caps.MP[capability.AFISAFI{AFI: 1, SAFI: 1}] = true
	caps.RouteRefresh = true
	caps.FourByteAS = true
	caps.ASN = 65001

	o := &Open{
		Version:      4,
		ASN:          bgp.ASTrans,
		HoldTime:     90,
		Identifier:   0x0a000001,
		Capabilities: caps,
	}

	raw := EncodeOpen(o)
	m, err := Decode(raw, 3)
	require.Nil(t, err)
	got := m.Body.(*Open)

	assert.Equal(t, o.Version, got.Version)
	assert.Equal(t, o.ASN, got.ASN)
	assert.Equal(t, o.HoldTime, got.HoldTime)
	assert.Equal(t, o.Identifier, got.Identifier)
	assert.True(t, got.Capabilities.MP[capability.AFISAFI{AFI: 1, SAFI: 1}])
	assert.True(t, got.Capabilities.RouteRefresh)
	assert.True(t, got.Capabilities.FourByteAS)
	assert.EqualValues(t, 65001, got.Capabilities.ASN)
}

func TestOpenExtendedOptParamsForm(t *testing.T) {
	caps := capability.NewSet()
	// Force a large capability set so the opt-params block exceeds 254
	// bytes and the extended (RFC 9072) form kicks in.
	for i := uint16(0); i < 70; i++ {
		caps.MP[capability.AFISAFI{AFI: i + 100, SAFI: 1}] = true
	}

	o := &Open{Version: 4, ASN: 65001, HoldTime: 90, Identifier: 1, Capabilities: caps}
	raw := EncodeOpen(o)

	// OptParmLen sentinel sits right after the 9 bytes of version, AS,
	// holdtime and identifier.
	assert.Equal(t, uint8(255), raw[bgp.HeaderLen+9])

	m, err := Decode(raw, 3)
	require.Nil(t, err)
	got := m.Body.(*Open)
	assert.Len(t, got.Capabilities.MP, 70)
}

func TestDecodeOpenRejectsBadVersion(t *testing.T) {
	caps := capability.NewSet()
	o := &Open{Version: 5, ASN: 1, HoldTime: 90, Identifier: 1, Capabilities: caps}
	raw := EncodeOpen(o)
	_, err := Decode(raw, 3)
	require.NotNil(t, err)
	assert.Equal(t, bgp.SubOpenUnsupportedVersion, err.Subcode)
}

func TestDecodeOpenRejectsLowHoldtime(t *testing.T) {
	caps := capability.NewSet()
	o := &Open{Version: 4, ASN: 1, HoldTime: 1, Identifier: 1, Capabilities: caps}
	raw := EncodeOpen(o)
	_, err := Decode(raw, 3)
	require.NotNil(t, err)
	assert.Equal(t, bgp.SubOpenUnacceptableHoldTime, err.Subcode)
}

func TestNotificationRoundTripAndTruncation(t *testing.T) {
	n := &Notification{Code: bgp.ErrCease, Subcode: bgp.SubCeaseAdminShutdown, Data: []byte("bye")}
	raw := EncodeNotification(n)
	m, err := Decode(raw, 3)
	require.Nil(t, err)
	got := m.Body.(*Notification)
	assert.Equal(t, n.Code, got.Code)
	assert.Equal(t, n.Subcode, got.Subcode)
	assert.Equal(t, n.Data, got.Data)

	oversize := make([]byte, bgp.MaxLen)
	n2 := &Notification{Code: bgp.ErrCease, Subcode: bgp.SubCeaseAdminReset, Data: oversize}
	raw2 := EncodeNotification(n2)
	assert.Len(t, raw2, bgp.MaxLen)
}

func TestUpdateRoundTrip(t *testing.T) {
	body := []byte{0x00, 0x00, 0x00, 0x00}
	raw := EncodeUpdate(body)
	assert.Len(t, raw, bgp.HeaderLen+len(body))

	m, err := Decode(raw, 3)
	require.Nil(t, err)
	got := m.Body.(*Update)
	assert.Equal(t, body, got.Body)
	assert.True(t, IsEndOfRIB(got.Body))
}

func TestKeepaliveLength(t *testing.T) {
	raw := EncodeKeepalive()
	assert.Len(t, raw, bgp.HeaderLen)
	m, err := Decode(raw, 3)
	require.Nil(t, err)
	assert.Nil(t, m.Body)
}
