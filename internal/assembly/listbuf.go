package assembly

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ravipangali7/DASHCAM/internal/jt808"
)

const (
	listInitLen  = 6
	listMaxCount = 1000
	listStale    = 10 * time.Second

	// A lone 0x1205 close in size to count-plus-entries is read as a
	// complete list even though nothing announced it.
	listSizeSlack = 10
)

// ListResult reports what one Feed call produced.
type ListResult struct {
	// Started is set when the body initialised a fresh assembly.
	Started bool
	// Completed is the finished list; the device expects an ack for it.
	Completed *jt808.StoredList
	// Flushed is the best-effort salvage of an assembly this body
	// superseded. Nil unless the salvage held at least one entry.
	Flushed *jt808.StoredList
}

// ListAssembler accumulates a fragmented 0x1205 stored-video list for one
// session. Devices announce the entry count in a 6-octet init body and
// ship the entries in later frames, sometimes repeating the count in
// front of them.
type ListAssembler struct {
	mu       sync.Mutex
	active   bool
	count    uint16
	expected int
	buf      []byte
	last     time.Time
	stale    time.Duration
	now      func() time.Time
}

// NewListAssembler builds an assembler with the given staleness window;
// stale <= 0 means the default.
func NewListAssembler(stale time.Duration) *ListAssembler {
	if stale <= 0 {
		stale = listStale
	}
	return &ListAssembler{stale: stale, now: time.Now}
}

// Active reports whether an assembly is in flight.
func (a *ListAssembler) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Stale reports an in-flight assembly that has stopped growing. Callers
// use this to let a fresh query supersede the dead one.
func (a *ListAssembler) Stale() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active && a.now().Sub(a.last) > a.stale
}

// Feed examines one 0x1205 body. consumed=false means the body is not
// list material and should be read as stored-video data instead.
//
// An init body supersedes a stale assembly or one with a different
// count; a duplicate init for a fresh assembly is ignored. Continuations
// are appended (minus a repeated leading count) until the announced size
// is reached. With no assembly in flight, a body whose length sits
// within listSizeSlack of count-plus-entries is taken as a complete
// unfragmented list.
func (a *ListAssembler) Feed(body []byte) (res ListResult, consumed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.active && now.Sub(a.last) > a.stale {
		res.Flushed = a.salvage()
		a.reset()
	}

	if count, ok := initCount(body); ok {
		if a.active && count == a.count {
			// Device repeated the init; keep the assembly we have.
			a.last = now
			return res, true
		}
		if a.active {
			if f := a.salvage(); f != nil {
				res.Flushed = f
			}
		}
		a.active = true
		a.count = count
		a.expected = 2 + int(count)*jt808.StoredEntryLen
		a.buf = append(a.buf[:0], body[:2]...)
		a.last = now
		res.Started = true
		return res, true
	}

	if a.active {
		chunk := body
		if len(chunk) >= 2 && binary.BigEndian.Uint16(chunk[0:2]) == a.count {
			chunk = chunk[2:]
		}
		a.buf = append(a.buf, chunk...)
		a.last = now
		if len(a.buf) >= a.expected {
			list, err := jt808.ParseStoredList(a.buf)
			a.reset()
			if err == nil {
				res.Completed = list
			}
		}
		return res, true
	}

	// No assembly in flight: complete-list heuristic.
	if len(body) >= 2 {
		count := binary.BigEndian.Uint16(body[0:2])
		expected := 2 + int(count)*jt808.StoredEntryLen
		diff := len(body) - expected
		if diff < 0 {
			diff = -diff
		}
		if count <= listMaxCount && diff <= listSizeSlack {
			list, err := jt808.ParseStoredList(body)
			if err == nil {
				res.Completed = list
				return res, true
			}
		}
	}
	return res, false
}

// SweepStale flushes an assembly idle past the staleness window,
// returning its salvage (nil when nothing useful was buffered). Meant to
// run from a periodic watchdog.
func (a *ListAssembler) SweepStale() *jt808.StoredList {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active || a.now().Sub(a.last) <= a.stale {
		return nil
	}
	f := a.salvage()
	a.reset()
	return f
}

// salvage best-effort parses the current buffer. Only a result with at
// least one entry is worth publishing.
func (a *ListAssembler) salvage() *jt808.StoredList {
	if len(a.buf) < 2 {
		return nil
	}
	list, err := jt808.ParseStoredList(a.buf)
	if err != nil || len(list.Entries) == 0 {
		return nil
	}
	return list
}

func (a *ListAssembler) reset() {
	a.active = false
	a.count = 0
	a.expected = 0
	a.buf = a.buf[:0]
}

// initCount matches the 6-octet init body <count:u16><0x00 ×4> with
// 0 < count ≤ listMaxCount.
func initCount(body []byte) (uint16, bool) {
	if len(body) != listInitLen {
		return 0, false
	}
	count := binary.BigEndian.Uint16(body[0:2])
	if count == 0 || count > listMaxCount {
		return 0, false
	}
	for _, b := range body[2:] {
		if b != 0 {
			return 0, false
		}
	}
	return count, true
}
