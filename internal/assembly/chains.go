// Package assembly rebuilds full media frames and stored-video lists out
// of the fragment streams a device sends: multi-packet live frames keyed
// by channel and timestamp, and 0x1205 list responses whose count and
// entries arrive in separate messages.
package assembly

import (
	"fmt"
	"sync"
	"time"

	"github.com/ravipangali7/DASHCAM/internal/jt808"
)

const (
	maxChains  = 32
	chainStale = 5 * time.Second
)

// Frame is a fully reassembled media frame. Degraded marks a chain whose
// start packet was never seen.
type Frame struct {
	Channel  uint8
	DataType uint8
	Degraded bool
	Payload  []byte
}

type chainKey struct {
	channel uint8
	frameID string
}

type chain struct {
	dataType uint8
	degraded bool
	parts    [][]byte
	size     int
	last     time.Time
}

// ChainSet tracks the in-flight fragment chains of one session. Chains are
// keyed by channel plus the fragment timestamp; fragments without a
// timestamp fall back to the frame sequence number. At most maxChains
// chains are held, oldest-activity first out.
type ChainSet struct {
	mu     sync.Mutex
	chains map[chainKey]*chain
	max    int
	stale  time.Duration
	now    func() time.Time
}

// NewChainSet builds a chain set with the given staleness window;
// stale <= 0 means the default.
func NewChainSet(stale time.Duration) *ChainSet {
	if stale <= 0 {
		stale = chainStale
	}
	return &ChainSet{
		chains: make(map[chainKey]*chain),
		max:    maxChains,
		stale:  stale,
		now:    time.Now,
	}
}

// Add feeds one stream fragment. It returns the completed frame when the
// fragment closes a chain, nil otherwise. A middle fragment with no open
// chain opens a degraded one; an end fragment with no open chain is
// emitted alone. Unknown package types are dropped.
func (s *ChainSet) Add(v *jt808.VideoData, seq uint16) *Frame {
	id := v.Timestamp
	if id == "" {
		id = fmt.Sprintf("seq-%d", seq)
	}
	key := chainKey{channel: v.Channel, frameID: id}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	switch v.PackageType {
	case jt808.PackageStart:
		s.put(key, &chain{
			dataType: v.DataType,
			parts:    [][]byte{v.Payload},
			size:     len(v.Payload),
			last:     now,
		})

	case jt808.PackageMiddle:
		c := s.chains[key]
		if c == nil {
			c = &chain{dataType: v.DataType, degraded: true}
			s.put(key, c)
		}
		c.parts = append(c.parts, v.Payload)
		c.size += len(v.Payload)
		c.last = now

	case jt808.PackageEnd:
		c := s.chains[key]
		if c == nil {
			return &Frame{
				Channel:  v.Channel,
				DataType: v.DataType,
				Degraded: true,
				Payload:  append([]byte(nil), v.Payload...),
			}
		}
		delete(s.chains, key)
		buf := make([]byte, 0, c.size+len(v.Payload))
		for _, p := range c.parts {
			buf = append(buf, p...)
		}
		buf = append(buf, v.Payload...)
		return &Frame{Channel: v.Channel, DataType: c.dataType, Degraded: c.degraded, Payload: buf}
	}
	return nil
}

// put inserts under the cap, evicting the least recently active chain
// when a new key would exceed it.
func (s *ChainSet) put(key chainKey, c *chain) {
	if _, ok := s.chains[key]; !ok && len(s.chains) >= s.max {
		var oldestKey chainKey
		var oldest time.Time
		first := true
		for k, cc := range s.chains {
			if first || cc.last.Before(oldest) {
				oldestKey, oldest, first = k, cc.last, false
			}
		}
		delete(s.chains, oldestKey)
	}
	s.chains[key] = c
}

// Sweep drops chains without activity past the staleness window and
// reports how many were dropped. Evicted chains emit nothing.
func (s *ChainSet) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.stale)
	n := 0
	for k, c := range s.chains {
		if c.last.Before(cutoff) {
			delete(s.chains, k)
			n++
		}
	}
	return n
}

// Len reports the number of open chains.
func (s *ChainSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chains)
}
