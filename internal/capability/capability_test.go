package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := NewSet()
	s.MP[AFISAFI{AFI: 1, SAFI: 1}] = true
	s.RouteRefresh = true
	s.EnhancedRouteRefresh = true
	s.FourByteAS = true
	s.ASN = 65001
	s.GRRestart = true
	s.GRTime = 120
	s.GR[AFISAFI{AFI: 1, SAFI: 1}] = GRFlags{Present: true, Forward: true}
	s.AddPath[AFISAFI{AFI: 1, SAFI: 1}] = AddPathMode{Send: true, Recv: true}
	s.RoleSet = true
	s.Role = RoleProvider

	raw := Encode(s)
	got, err := Decode(raw)
	require.NoError(t, err)

	assert.True(t, got.MP[AFISAFI{AFI: 1, SAFI: 1}])
	assert.True(t, got.RouteRefresh)
	assert.True(t, got.EnhancedRouteRefresh)
	assert.True(t, got.FourByteAS)
	assert.EqualValues(t, 65001, got.ASN)
	assert.True(t, got.GRRestart)
	assert.EqualValues(t, 120, got.GRTime)
	assert.True(t, got.GR[AFISAFI{AFI: 1, SAFI: 1}].Forward)
	assert.True(t, got.AddPath[AFISAFI{AFI: 1, SAFI: 1}].Send)
	assert.True(t, got.RoleSet)
	assert.Equal(t, RoleProvider, got.Role)
}

func TestDecodeGracefulRestartBoundaries(t *testing.T) {
	// len = 2 accepted as EoR-only.
	val := []byte{0x00, 0x00}
	raw := tlv(CodeGracefulRestart, val)
	s, err := Decode(raw)
	require.NoError(t, err)
	assert.Empty(t, s.GR)

	// len = 6 parses one AFI.
	val = append([]byte{0x00, 0x00}, 0x00, 0x01, 0x01, 0x80)
	raw = tlv(CodeGracefulRestart, val)
	s, err = Decode(raw)
	require.NoError(t, err)
	assert.Len(t, s.GR, 1)
	assert.True(t, s.GR[AFISAFI{AFI: 1, SAFI: 1}].Forward)

	// len = 5 rejected (not a multiple of 4 after the 2-byte header).
	val = append([]byte{0x00, 0x00}, 0x00, 0x01, 0x01)
	raw = tlv(CodeGracefulRestart, val)
	_, err = Decode(raw)
	assert.Error(t, err)
}

func TestNegotiateDefaultsToIPv4UnicastWhenPeerAdvertisesNoMP(t *testing.T) {
	local := NewSet()
	local.MP[AFISAFI{AFI: 2, SAFI: 1}] = true
	peer := NewSet()

	res, bgpErr := Negotiate(local, peer, nil, RolePolicyNone)
	require.Nil(t, bgpErr)
	assert.True(t, res.Negotiated.MP[DefaultIPv4Unicast])
}

func TestNegotiateRoleMismatch(t *testing.T) {
	local := NewSet()
	local.RoleSet = true
	local.Role = RoleProvider
	peer := NewSet()
	peer.RoleSet = true
	peer.Role = RoleProvider

	_, bgpErr := Negotiate(local, peer, nil, RolePolicyNone)
	require.NotNil(t, bgpErr)
	assert.Equal(t, uint8(2), bgpErr.Code)
	assert.Equal(t, uint8(11), bgpErr.Subcode)
}

func TestNegotiateRolePairsCompatible(t *testing.T) {
	cases := []struct {
		local, peer Role
	}{
		{RoleProvider, RoleCustomer},
		{RoleCustomer, RoleProvider},
		{RolePeer, RolePeer},
		{RoleRS, RoleRSClient},
		{RoleRSClient, RoleRS},
	}
	for _, c := range cases {
		local := NewSet()
		local.RoleSet = true
		local.Role = c.local
		peer := NewSet()
		peer.RoleSet = true
		peer.Role = c.peer

		_, bgpErr := Negotiate(local, peer, nil, RolePolicyNone)
		assert.Nil(t, bgpErr, "expected %v/%v compatible", c.local, c.peer)
	}
}

func TestNegotiateHoldtimeClampIncludingZero(t *testing.T) {
	assert.EqualValues(t, 30, NegotiateHoldtime(90, 30))
	assert.EqualValues(t, 0, NegotiateHoldtime(90, 0))
	assert.EqualValues(t, 90, NegotiateHoldtime(90, 120))
}

func TestNegotiateRestartingPreservedOrFlushed(t *testing.T) {
	local := NewSet()
	peer := NewSet()
	peer.GR[AFISAFI{AFI: 1, SAFI: 1}] = GRFlags{Present: true, Forward: true}
	peer.GR[AFISAFI{AFI: 2, SAFI: 1}] = GRFlags{Present: true, Forward: false}

	restarting := RestartingAFIs{
		{AFI: 1, SAFI: 1}: true,
		{AFI: 2, SAFI: 1}: true,
	}

	res, bgpErr := Negotiate(local, peer, restarting, RolePolicyNone)
	require.Nil(t, bgpErr)
	assert.Contains(t, res.PreserveRestartingAFIs, AFISAFI{AFI: 1, SAFI: 1})
	assert.Contains(t, res.FlushAFIs, AFISAFI{AFI: 2, SAFI: 1})
}
