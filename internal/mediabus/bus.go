// Package mediabus fans reassembled media frames out to consumers. A
// publish never blocks the protocol path: subscribers get bounded
// channels and lose their oldest pending frame when full. The bus also
// retains a short tail of frames per stream for pull-based consumers.
package mediabus

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ravipangali7/DASHCAM/internal/jt808"
	"github.com/ravipangali7/DASHCAM/internal/metrics"
)

const (
	defaultRetain = 30
	activeWindow  = 30 * time.Second
	streamExpiry  = 60 * time.Second
	janitorPeriod = 60 * time.Second
)

// Event is one media frame published on the bus. Payload is owned by the
// bus after Publish; Location is the device's last telemetry, nil when
// none was seen.
type Event struct {
	Device   string
	Channel  uint8
	Seq      uint64
	DataType uint8
	Stored   bool
	Degraded bool
	Payload  []byte
	Location *jt808.Location
	Time     time.Time
}

// Filter selects a subset of streams. Empty Device matches every device;
// Channel < 0 matches every channel.
type Filter struct {
	Device  string
	Channel int
}

func (f Filter) matches(ev *Event) bool {
	if f.Device != "" && f.Device != ev.Device {
		return false
	}
	if f.Channel >= 0 && uint8(f.Channel) != ev.Channel {
		return false
	}
	return true
}

// StreamInfo describes one (device, channel) stream known to the bus.
type StreamInfo struct {
	Device    string    `json:"device_id"`
	Channel   uint8     `json:"channel"`
	Seq       uint64    `json:"frames"`
	LastFrame time.Time `json:"last_frame"`
	Active    bool      `json:"active"`
}

type streamKey struct {
	device  string
	channel uint8
}

type stream struct {
	seq      uint64
	recent   []Event
	lastSeen time.Time
}

type subscriber struct {
	id      uint64
	filter  Filter
	ch      chan Event
	dropped uint64
}

// Bus is the process-wide frame fanout. One is constructed at startup and
// torn down after every session has been cancelled.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
	streams map[streamKey]*stream
	retain  int
	drops   uint64
	now     func() time.Time
}

func New() *Bus {
	return &Bus{
		subs:    make(map[uint64]*subscriber),
		streams: make(map[streamKey]*stream),
		retain:  defaultRetain,
		now:     time.Now,
	}
}

// Publish stamps the event with its stream sequence and time, retains it,
// and fans it out. Full subscribers lose their oldest pending event first.
// The stamped event is returned.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := streamKey{device: ev.Device, channel: ev.Channel}
	st := b.streams[key]
	if st == nil {
		st = &stream{}
		b.streams[key] = st
	}
	st.seq++
	ev.Seq = st.seq
	ev.Time = b.now()
	st.lastSeen = ev.Time

	if len(st.recent) < b.retain {
		st.recent = append(st.recent, ev)
	} else {
		copy(st.recent, st.recent[1:])
		st.recent[len(st.recent)-1] = ev
	}

	for _, s := range b.subs {
		if !s.filter.matches(&ev) {
			continue
		}
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// Full: make room by dropping the oldest pending event.
		select {
		case <-s.ch:
			s.dropped++
			b.drops++
			metrics.BusDrops.Inc()
		default:
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped++
			b.drops++
			metrics.BusDrops.Inc()
		}
	}
	return ev
}

// Subscription is a bounded live feed of matching events. Cancel releases
// it; the channel is closed afterwards.
type Subscription struct {
	C    <-chan Event
	bus  *Bus
	id   uint64
	once sync.Once
}

// Subscribe registers a bounded subscriber. depth is the channel buffer;
// values below 1 get a small default.
func (b *Bus) Subscribe(f Filter, depth int) *Subscription {
	if depth < 1 {
		depth = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	s := &subscriber{id: b.nextSub, filter: f, ch: make(chan Event, depth)}
	b.subs[s.id] = s
	return &Subscription{C: s.ch, bus: b, id: s.id}
}

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		sub := s.bus.subs[s.id]
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		if sub != nil {
			close(sub.ch)
		}
	})
}

// Dropped reports how many events this subscriber has lost to
// back-pressure.
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub := s.bus.subs[s.id]; sub != nil {
		return sub.dropped
	}
	return 0
}

// Latest returns the newest retained frame of a stream.
func (b *Bus) Latest(device string, channel uint8) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.streams[streamKey{device: device, channel: channel}]
	if st == nil || len(st.recent) == 0 {
		return Event{}, false
	}
	return st.recent[len(st.recent)-1], true
}

// Recent returns up to n newest retained frames of a stream, oldest
// first.
func (b *Bus) Recent(device string, channel uint8, n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.streams[streamKey{device: device, channel: channel}]
	if st == nil || n <= 0 {
		return nil
	}
	from := len(st.recent) - n
	if from < 0 {
		from = 0
	}
	out := make([]Event, len(st.recent)-from)
	copy(out, st.recent[from:])
	return out
}

// Streams lists every known stream, devices then channels in order.
func (b *Bus) Streams() []StreamInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make([]StreamInfo, 0, len(b.streams))
	for k, st := range b.streams {
		out = append(out, StreamInfo{
			Device:    k.device,
			Channel:   k.channel,
			Seq:       st.seq,
			LastFrame: st.lastSeen,
			Active:    now.Sub(st.lastSeen) <= activeWindow,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// TotalDropped reports events lost to back-pressure across all
// subscribers.
func (b *Bus) TotalDropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops
}

// sweep drops streams idle past the expiry and reports how many went.
func (b *Bus) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-streamExpiry)
	n := 0
	for k, st := range b.streams {
		if st.lastSeen.Before(cutoff) {
			delete(b.streams, k)
			n++
		}
	}
	return n
}

// Run sweeps idle streams until the context ends.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.sweep(); n > 0 {
				log.Printf("mediabus: swept %d idle streams", n)
			}
		}
	}
}
