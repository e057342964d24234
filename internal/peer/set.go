package peer

import (
	"net"
	"sort"
)

// Set is an ordered, peer-id-keyed collection of peers. The engine walks it
// in ID order every tick so scheduling and log output are deterministic
// across runs.
//
// taktv6/tbgp keeps peers in a bare map (server.go's peerMap) with no
// ordering guarantee. A sorted slice is enough here: BGP sessions count in
// the hundreds to low thousands per daemon, so a linear insert/delete is
// cheap and nothing in the reference pack offers a tree/ordered-map type
// worth pulling in for this.
type Set struct {
	byID     []*Peer // sorted by ID
	byRemote map[string]*Peer
}

// NewSet returns an empty peer set.
func NewSet() *Set {
	return &Set{byRemote: map[string]*Peer{}}
}

// Insert adds p, keeping byID sorted. It panics if a peer with the same ID
// already exists; callers must check Get first.
func (s *Set) Insert(p *Peer) {
	i := sort.Search(len(s.byID), func(i int) bool { return s.byID[i].ID >= p.ID })
	if i < len(s.byID) && s.byID[i].ID == p.ID {
		panic("peer: duplicate peer ID")
	}
	s.byID = append(s.byID, nil)
	copy(s.byID[i+1:], s.byID[i:])
	s.byID[i] = p
	if p.RemoteAddr != nil {
		s.byRemote[p.RemoteAddr.String()] = p
	}
}

// Get returns the peer with the given ID, or nil.
func (s *Set) Get(id uint32) *Peer {
	i := sort.Search(len(s.byID), func(i int) bool { return s.byID[i].ID >= id })
	if i < len(s.byID) && s.byID[i].ID == id {
		return s.byID[i]
	}
	return nil
}

// ByRemoteAddr finds the peer configured for a given remote address, used
// to match an inbound TCP connection to its session (RFC 4271 §8
// collision detection needs this lookup before the OPEN exchange even
// starts).
func (s *Set) ByRemoteAddr(addr net.IP) *Peer {
	return s.byRemote[addr.String()]
}

// Delete removes the peer with the given ID, if present.
func (s *Set) Delete(id uint32) {
	i := sort.Search(len(s.byID), func(i int) bool { return s.byID[i].ID >= id })
	if i >= len(s.byID) || s.byID[i].ID != id {
		return
	}
	p := s.byID[i]
	s.byID = append(s.byID[:i], s.byID[i+1:]...)
	if p.RemoteAddr != nil {
		delete(s.byRemote, p.RemoteAddr.String())
	}
}

// Len reports the number of peers in the set.
func (s *Set) Len() int { return len(s.byID) }

// All returns peers in ID order. The returned slice aliases internal state
// and must not be retained across an Insert/Delete.
func (s *Set) All() []*Peer { return s.byID }

// Each calls fn for every peer in ID order, stopping early if fn returns
// false.
func (s *Set) Each(fn func(*Peer) bool) {
	for _, p := range s.byID {
		if !fn(p) {
			return
		}
	}
}
