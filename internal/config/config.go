// Package config holds the Config/Peer/Listener data model and the
// active/pending staged-reload state machine driven by the parent
// process's RECONF_* protocol.
//
// Grounded on mitake-gobgp/config/etcd.go's watch-and-reload idiom
// (a background source feeds a new tree in, the running process swaps
// to it only once fully staged), generalized here from etcd-backed to
// file+env backed since this system has no external config store —
// configuration arrives from the parent process, which itself reads a
// file. Loading uses github.com/knadh/koanf/v2 with the yaml parser and
// file/env providers, the same provider/parser combination
// pobradovic08-route-beacon-ri and dantte-lp-gobfd both wire for their
// own daemon configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ReconfAction tags how a Listener should be treated across a reload.
type ReconfAction int

const (
	ReconfNone ReconfAction = iota
	ReconfKeep
	ReconfReinit
	ReconfDelete
)

// Listener is a pre-opened listening socket's configuration.
type Listener struct {
	Address string
	Action  ReconfAction
}

// Peer is one configured BGP neighbor (or template).
type Peer struct {
	ID          uint32
	Descriptor  string
	RemoteAddr  string
	RemoteAS    uint32
	LocalAS     uint32
	Template    bool
	Passive     bool
	Holdtime    uint16
	ConnectRetry time.Duration
}

// Config is one complete, self-consistent configuration tree: global
// session defaults plus every configured peer and listener.
type Config struct {
	Holdtime     uint16
	ConnectRetry time.Duration
	RouterID     string
	AS           uint32
	Peers        []Peer
	Listeners    []Listener
}

// defaults mirror RFC 4271's suggested holdtime and taktv6/tbgp's
// connect-retry constant.
func defaults() *Config {
	return &Config{Holdtime: 90, ConnectRetry: 120 * time.Second}
}

// Load reads path (YAML) and overlays BGPD_-prefixed environment
// variables on top, the same file-then-env layering koanf's own
// examples use and pobradovic08-route-beacon-ri's ingester repeats for
// its own config.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	envProvider := env.Provider("BGPD_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "BGPD_"))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// PeerByID returns the peer configured with the given id, or nil.
func (c *Config) PeerByID(id uint32) *Peer {
	for i := range c.Peers {
		if c.Peers[i].ID == id {
			return &c.Peers[i]
		}
	}
	return nil
}

// Store holds the active configuration plus, during a reload, the
// pending tree being staged. §6's RECONF_CONF/PEER/LISTENER/CTRL/DRAIN/
// DONE sequence maps directly onto BeginReload/SetPeer/SetListener/
// Commit below: the parent streams one RECONF_* frame per
// entity, RECONF_DRAIN is a barrier the engine must hold at until the
// RDE reports quiescence, and RECONF_DONE commits the staged tree.
type Store struct {
	active  *Config
	pending *Config
}

// NewStore returns a Store with only an active, default configuration.
func NewStore(initial *Config) *Store {
	if initial == nil {
		initial = defaults()
	}
	return &Store{active: initial}
}

// Active returns the currently live configuration.
func (s *Store) Active() *Config { return s.active }

// Reloading reports whether a reload is in progress (a pending tree
// exists but has not yet been committed).
func (s *Store) Reloading() bool { return s.pending != nil }

// BeginReload starts staging a new tree from base, the RECONF_CONF
// frame's global settings.
func (s *Store) BeginReload(base Config) {
	pending := base
	s.pending = &pending
}

// SetPeer stages or replaces one peer in the pending tree — a
// RECONF_PEER frame.
func (s *Store) SetPeer(p Peer) error {
	if s.pending == nil {
		return fmt.Errorf("config: SetPeer before BeginReload")
	}
	for i := range s.pending.Peers {
		if s.pending.Peers[i].ID == p.ID {
			s.pending.Peers[i] = p
			return nil
		}
	}
	s.pending.Peers = append(s.pending.Peers, p)
	return nil
}

// SetListener stages or replaces one listener in the pending tree — a
// RECONF_LISTENER frame.
func (s *Store) SetListener(l Listener) error {
	if s.pending == nil {
		return fmt.Errorf("config: SetListener before BeginReload")
	}
	for i := range s.pending.Listeners {
		if s.pending.Listeners[i].Address == l.Address {
			s.pending.Listeners[i] = l
			return nil
		}
	}
	s.pending.Listeners = append(s.pending.Listeners, l)
	return nil
}

// Commit swaps the staged pending tree in as active — a RECONF_DONE
// frame, only valid once the engine has observed quiescence for
// RECONF_DRAIN.
func (s *Store) Commit() (*Config, error) {
	if s.pending == nil {
		return nil, fmt.Errorf("config: Commit with no reload in progress")
	}
	s.active = s.pending
	s.pending = nil
	return s.active, nil
}

// Abort discards a staged reload without committing it.
func (s *Store) Abort() {
	s.pending = nil
}
