package registry

import "testing"

type fakeHandle struct {
	id    string
	term  string
	peer  string
	video VideoState
}

func (f *fakeHandle) ConnID() string         { return f.id }
func (f *fakeHandle) TerminalID() string     { return f.term }
func (f *fakeHandle) PeerIP() string         { return f.peer }
func (f *fakeHandle) VideoState() VideoState { return f.video }

func TestAddIdentifyRemove(t *testing.T) {
	r := New()
	h := &fakeHandle{id: "c1", peer: "10.0.0.5"}
	r.Add(h)

	if r.Len() != 1 {
		t.Fatalf("len = %d", r.Len())
	}
	if got := r.ByPeerIP("10.0.0.5"); len(got) != 1 || got[0].ConnID() != "c1" {
		t.Fatalf("ByPeerIP = %v", got)
	}
	if got := r.Lookup("012345678901"); got != nil {
		t.Fatalf("unidentified lookup = %v", got)
	}

	h.term = "012345678901"
	state, found := r.Identify(h)
	if found || state.Requested {
		t.Fatalf("first identify found siblings: %+v", state)
	}
	if got := r.Lookup("012345678901"); len(got) != 1 {
		t.Fatalf("Lookup after identify = %v", got)
	}
	if terms := r.Terminals(); len(terms) != 1 || terms[0] != "012345678901" {
		t.Fatalf("Terminals = %v", terms)
	}

	r.Remove(h)
	if r.Len() != 0 || r.Lookup("012345678901") != nil || r.ByPeerIP("10.0.0.5") != nil {
		t.Fatal("remove left index entries behind")
	}
	r.Remove(h) // second removal is a no-op
}

func TestIdentifyInheritsSiblingVideoState(t *testing.T) {
	r := New()
	first := &fakeHandle{id: "c1", term: "012345678901", peer: "10.0.0.5",
		video: VideoState{Requested: true, Candidate: 2}}
	r.Add(first)
	r.Identify(first)

	second := &fakeHandle{id: "c2", term: "012345678901", peer: "10.0.0.5"}
	r.Add(second)
	state, found := r.Identify(second)
	if !found {
		t.Fatal("sibling not found")
	}
	if !state.Requested || state.Candidate != 2 || state.Streaming {
		t.Fatalf("inherited state = %+v", state)
	}

	// Both sockets visible under the terminal and the peer IP.
	if got := r.Lookup("012345678901"); len(got) != 2 {
		t.Fatalf("Lookup = %v", got)
	}
	if got := r.ByPeerIP("10.0.0.5"); len(got) != 2 {
		t.Fatalf("ByPeerIP = %v", got)
	}

	// Removing one socket keeps the other reachable.
	r.Remove(first)
	if got := r.Lookup("012345678901"); len(got) != 1 || got[0].ConnID() != "c2" {
		t.Fatalf("Lookup after removal = %v", got)
	}
}

func TestIdentifyMergesMostAdvancedState(t *testing.T) {
	r := New()
	a := &fakeHandle{id: "c1", term: "t", peer: "10.0.0.1", video: VideoState{Requested: true, Candidate: 1}}
	b := &fakeHandle{id: "c2", term: "t", peer: "10.0.0.2", video: VideoState{Streaming: true}}
	r.Add(a)
	r.Identify(a)
	r.Add(b)
	r.Identify(b)

	c := &fakeHandle{id: "c3", term: "t", peer: "10.0.0.1"}
	r.Add(c)
	state, found := r.Identify(c)
	if !found || !state.Requested || !state.Streaming || state.Candidate != 1 {
		t.Fatalf("merged state = %+v found=%t", state, found)
	}
}

func TestDistinctTerminalsDoNotMix(t *testing.T) {
	r := New()
	a := &fakeHandle{id: "c1", term: "aaa", peer: "10.0.0.1", video: VideoState{Requested: true}}
	r.Add(a)
	r.Identify(a)

	b := &fakeHandle{id: "c2", term: "bbb", peer: "10.0.0.1"}
	r.Add(b)
	state, found := r.Identify(b)
	if found || state.Requested {
		t.Fatalf("cross-terminal inheritance: %+v", state)
	}

	// Same peer IP still groups them.
	if got := r.ByPeerIP("10.0.0.1"); len(got) != 2 {
		t.Fatalf("ByPeerIP = %v", got)
	}
}
