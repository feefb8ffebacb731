// Package registry indexes live device connections by terminal id and by
// peer IP. Devices routinely open a second socket for video, so both
// indices are multi-valued, and a socket that identifies itself as an
// already-known terminal inherits that terminal's negotiation progress.
package registry

import (
	"sort"
	"sync"
)

// VideoState is the slice of negotiation state shared across the sockets
// of one device: enough for a fresh video socket to know negotiation is
// already under way and not start its own.
type VideoState struct {
	Requested bool // a live-video request has been issued
	Candidate int  // candidate configuration index in use
	Streaming bool // data is already flowing
}

// merge folds another socket's state in, keeping the most advanced view.
func (v *VideoState) merge(o VideoState) {
	if o.Requested {
		v.Requested = true
	}
	if o.Streaming {
		v.Streaming = true
	}
	if o.Candidate > v.Candidate {
		v.Candidate = o.Candidate
	}
}

// Handle is one connection as the registry sees it. Implementations must
// answer from cheap local state: handles are consulted under the registry
// lock.
type Handle interface {
	ConnID() string
	TerminalID() string
	PeerIP() string
	VideoState() VideoState
}

// Registry is the process-wide connection index. One mutex serialises
// every mutation; critical sections do no I/O.
type Registry struct {
	mu     sync.Mutex
	byTerm map[string]map[string]Handle
	byPeer map[string]map[string]Handle
	conns  map[string]Handle // connID → handle, for symmetric removal
}

func New() *Registry {
	return &Registry{
		byTerm: make(map[string]map[string]Handle),
		byPeer: make(map[string]map[string]Handle),
		conns:  make(map[string]Handle),
	}
}

// Add joins the peer-IP index. Called at accept time, before the terminal
// id is known.
func (r *Registry) Add(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[h.ConnID()] = h
	joinIndex(r.byPeer, h.PeerIP(), h)
}

// Identify joins the terminal index once the connection has learned its
// terminal id, and returns the merged negotiation state of any sibling
// sockets of the same terminal. found reports whether siblings existed.
func (r *Registry) Identify(h Handle) (state VideoState, found bool) {
	term := h.TerminalID()
	if term == "" {
		return VideoState{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sib := range r.byTerm[term] {
		if id == h.ConnID() {
			continue
		}
		state.merge(sib.VideoState())
		found = true
	}
	joinIndex(r.byTerm, term, h)
	return state, found
}

// Remove leaves both indices. Safe to call for a handle that never
// identified, or twice.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := h.ConnID()
	delete(r.conns, id)
	leaveIndex(r.byPeer, h.PeerIP(), id)
	if term := h.TerminalID(); term != "" {
		leaveIndex(r.byTerm, term, id)
	}
}

// Lookup returns every connection identified as the given terminal.
func (r *Registry) Lookup(terminal string) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return collect(r.byTerm[terminal])
}

// ByPeerIP returns every connection from the given source address. Used
// by the UDP fallback path to attribute raw media to a device.
func (r *Registry) ByPeerIP(ip string) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return collect(r.byPeer[ip])
}

// Terminals lists known terminal ids in order.
func (r *Registry) Terminals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byTerm))
	for t := range r.byTerm {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func joinIndex(idx map[string]map[string]Handle, key string, h Handle) {
	if key == "" {
		return
	}
	set := idx[key]
	if set == nil {
		set = make(map[string]Handle)
		idx[key] = set
	}
	set[h.ConnID()] = h
}

func leaveIndex(idx map[string]map[string]Handle, key, connID string) {
	if set, ok := idx[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func collect(set map[string]Handle) []Handle {
	if len(set) == 0 {
		return nil
	}
	out := make([]Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID() < out[j].ConnID() })
	return out
}
