// Package discovery defines what the transfer engine consumes from peer
// discovery: descriptors of reachable peers and a stream of appear and
// disappear events. LAN advertisement itself lives outside the engine; the
// Manual source here covers static peer lists and tests.
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// PeerDescriptor describes a reachable peer. It is treated as immutable.
type PeerDescriptor struct {
	ID           string
	Addr         string
	Capabilities []string
	// StaticKey, when set, is the Noise static key the peer must present.
	StaticKey []byte
	Metadata  map[string]string
}

// HasCapability reports whether the peer advertised capability c.
func (p PeerDescriptor) HasCapability(c string) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ParsePeer parses "id@host:port" with an optional "#hexkey" suffix.
func ParsePeer(s string) (PeerDescriptor, error) {
	var p PeerDescriptor
	rest := s
	if i := strings.LastIndexByte(rest, '#'); i >= 0 {
		key, err := hex.DecodeString(rest[i+1:])
		if err != nil || len(key) != 32 {
			return p, fmt.Errorf("peer %q: static key must be 64 hex digits", s)
		}
		p.StaticKey = key
		rest = rest[:i]
	}
	id, addr, ok := strings.Cut(rest, "@")
	if !ok || id == "" {
		return p, fmt.Errorf("peer %q: want id@host:port", s)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return p, fmt.Errorf("peer %q: %w", s, err)
	}
	p.ID, p.Addr = id, addr
	return p, nil
}

// EventKind says whether a peer appeared or disappeared.
type EventKind uint8

const (
	PeerAppeared EventKind = iota + 1
	PeerDisappeared
)

func (k EventKind) String() string {
	switch k {
	case PeerAppeared:
		return "appeared"
	case PeerDisappeared:
		return "disappeared"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one discovery update.
type Event struct {
	Kind EventKind
	Peer PeerDescriptor
}

// Source delivers discovery events until ctx ends, then closes the channel.
type Source interface {
	Subscribe(ctx context.Context) <-chan Event
}

// Manual is a Source fed by explicit Add and Remove calls. New subscribers
// first receive an Appeared event for every known peer.
type Manual struct {
	mu    sync.Mutex
	peers map[string]PeerDescriptor
	subs  map[chan Event]struct{}
}

// NewManual returns a source that already knows peers.
func NewManual(peers ...PeerDescriptor) *Manual {
	m := &Manual{
		peers: make(map[string]PeerDescriptor),
		subs:  make(map[chan Event]struct{}),
	}
	for _, p := range peers {
		m.peers[p.ID] = p
	}
	return m
}

// Subscribe implements Source.
func (m *Manual) Subscribe(ctx context.Context) <-chan Event {
	m.mu.Lock()
	ch := make(chan Event, len(m.peers)+64)
	for _, p := range m.peers {
		ch <- Event{Kind: PeerAppeared, Peer: p}
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// Add announces p, replacing any earlier descriptor with the same id.
func (m *Manual) Add(p PeerDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.ID] = p
	m.publish(Event{Kind: PeerAppeared, Peer: p})
}

// Remove announces that peer id is gone.
func (m *Manual) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return
	}
	delete(m.peers, id)
	m.publish(Event{Kind: PeerDisappeared, Peer: p})
}

// Lookup returns the descriptor of a known peer.
func (m *Manual) Lookup(id string) (PeerDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	return p, ok
}

func (m *Manual) publish(ev Event) {
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Manual.publish",
				"peer_id":  ev.Peer.ID,
				"event":    ev.Kind.String(),
			}).Warn("Discovery subscriber is full; event dropped")
		}
	}
}
