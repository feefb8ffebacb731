package assembly

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/ravipangali7/DASHCAM/internal/jt808"
)

func vd(ch, dt, pt uint8, ts string, payload []byte) *jt808.VideoData {
	return &jt808.VideoData{
		ID:          jt808.MsgVideoData,
		Channel:     ch,
		DataType:    dt,
		PackageType: pt,
		Timestamp:   ts,
		Payload:     payload,
	}
}

func TestChainReassembly(t *testing.T) {
	cs := NewChainSet(0)
	ts := "220104153000"

	if f := cs.Add(vd(1, jt808.FrameVideoI, jt808.PackageStart, ts, []byte("P0")), 1); f != nil {
		t.Fatalf("start emitted %+v", f)
	}
	if f := cs.Add(vd(1, jt808.FrameVideoI, jt808.PackageMiddle, ts, []byte("P1")), 2); f != nil {
		t.Fatalf("middle emitted %+v", f)
	}
	f := cs.Add(vd(1, jt808.FrameVideoI, jt808.PackageEnd, ts, []byte("P2")), 3)
	if f == nil {
		t.Fatal("end emitted nothing")
	}
	if !bytes.Equal(f.Payload, []byte("P0P1P2")) {
		t.Errorf("payload = %q", f.Payload)
	}
	if f.Channel != 1 || f.DataType != jt808.FrameVideoI || f.Degraded {
		t.Errorf("frame = %+v", f)
	}
	if cs.Len() != 0 {
		t.Errorf("chains left = %d", cs.Len())
	}

	// Same timestamp later starts over.
	if f := cs.Add(vd(1, jt808.FrameVideoI, jt808.PackageStart, ts, []byte("Q0")), 4); f != nil {
		t.Fatalf("restart emitted %+v", f)
	}
	f = cs.Add(vd(1, jt808.FrameVideoI, jt808.PackageEnd, ts, []byte("Q1")), 5)
	if f == nil || !bytes.Equal(f.Payload, []byte("Q0Q1")) {
		t.Fatalf("second chain = %+v", f)
	}
}

func TestChainsDoNotInterfere(t *testing.T) {
	cs := NewChainSet(0)

	// Interleave two chains on different channels and one on a different
	// timestamp; each must come out whole.
	cs.Add(vd(1, 0, jt808.PackageStart, "220104153000", []byte("a0")), 1)
	cs.Add(vd(2, 0, jt808.PackageStart, "220104153000", []byte("b0")), 2)
	cs.Add(vd(1, 0, jt808.PackageStart, "220104153001", []byte("c0")), 3)
	cs.Add(vd(2, 0, jt808.PackageMiddle, "220104153000", []byte("b1")), 4)
	cs.Add(vd(1, 0, jt808.PackageMiddle, "220104153000", []byte("a1")), 5)

	f := cs.Add(vd(2, 0, jt808.PackageEnd, "220104153000", []byte("b2")), 6)
	if f == nil || !bytes.Equal(f.Payload, []byte("b0b1b2")) {
		t.Fatalf("channel 2 = %+v", f)
	}
	f = cs.Add(vd(1, 0, jt808.PackageEnd, "220104153000", []byte("a2")), 7)
	if f == nil || !bytes.Equal(f.Payload, []byte("a0a1a2")) {
		t.Fatalf("channel 1 = %+v", f)
	}
	f = cs.Add(vd(1, 0, jt808.PackageEnd, "220104153001", []byte("c1")), 8)
	if f == nil || !bytes.Equal(f.Payload, []byte("c0c1")) {
		t.Fatalf("second timestamp = %+v", f)
	}
}

func TestChainMissedStart(t *testing.T) {
	cs := NewChainSet(0)
	ts := "220104153000"

	cs.Add(vd(1, jt808.FrameVideoP, jt808.PackageMiddle, ts, []byte("m0")), 1)
	f := cs.Add(vd(1, jt808.FrameVideoP, jt808.PackageEnd, ts, []byte("m1")), 2)
	if f == nil {
		t.Fatal("degraded chain not flushed")
	}
	if !f.Degraded {
		t.Error("chain without start must be degraded")
	}
	if !bytes.Equal(f.Payload, []byte("m0m1")) {
		t.Errorf("payload = %q", f.Payload)
	}
}

func TestChainLoneEnd(t *testing.T) {
	cs := NewChainSet(0)
	f := cs.Add(vd(3, jt808.FrameAudio, jt808.PackageEnd, "220104153000", []byte("only")), 1)
	if f == nil || !f.Degraded || !bytes.Equal(f.Payload, []byte("only")) {
		t.Fatalf("lone end = %+v", f)
	}
	if cs.Len() != 0 {
		t.Errorf("chains left = %d", cs.Len())
	}
}

func TestChainFallbackKeyBySeq(t *testing.T) {
	cs := NewChainSet(0)

	// No timestamp: the sequence number keys the chain, so fragments of
	// different sequences do not join.
	cs.Add(vd(1, 0, jt808.PackageStart, "", []byte("x0")), 10)
	f := cs.Add(vd(1, 0, jt808.PackageEnd, "", []byte("x1")), 10)
	if f == nil || !bytes.Equal(f.Payload, []byte("x0x1")) {
		t.Fatalf("same-seq chain = %+v", f)
	}

	cs.Add(vd(1, 0, jt808.PackageStart, "", []byte("y0")), 20)
	f = cs.Add(vd(1, 0, jt808.PackageEnd, "", []byte("z")), 21)
	if f == nil || !f.Degraded || !bytes.Equal(f.Payload, []byte("z")) {
		t.Fatalf("different-seq end = %+v", f)
	}
}

func TestChainUnknownPackageTypeDropped(t *testing.T) {
	cs := NewChainSet(0)
	if f := cs.Add(vd(1, 0, 7, "220104153000", []byte("x")), 1); f != nil {
		t.Fatalf("unknown package type emitted %+v", f)
	}
	if cs.Len() != 0 {
		t.Errorf("chains = %d", cs.Len())
	}
}

func TestChainSweepDiscardsStaleWithoutEmission(t *testing.T) {
	cs := NewChainSet(0)
	clock := time.Unix(1000, 0)
	cs.now = func() time.Time { return clock }

	cs.Add(vd(1, 0, jt808.PackageStart, "220104153000", []byte("p0")), 1)
	clock = clock.Add(6 * time.Second)
	if n := cs.Sweep(); n != 1 {
		t.Fatalf("swept %d chains, want 1", n)
	}

	// The end arriving after eviction stands alone.
	f := cs.Add(vd(1, 0, jt808.PackageEnd, "220104153000", []byte("p1")), 2)
	if f == nil || !f.Degraded || !bytes.Equal(f.Payload, []byte("p1")) {
		t.Fatalf("post-eviction end = %+v", f)
	}
}

func TestChainSweepKeepsFresh(t *testing.T) {
	cs := NewChainSet(0)
	clock := time.Unix(1000, 0)
	cs.now = func() time.Time { return clock }

	cs.Add(vd(1, 0, jt808.PackageStart, "220104153000", []byte("p0")), 1)
	clock = clock.Add(2 * time.Second)
	if n := cs.Sweep(); n != 0 {
		t.Fatalf("swept %d fresh chains", n)
	}
	if cs.Len() != 1 {
		t.Errorf("chains = %d", cs.Len())
	}
}

func TestChainCapEvictsOldest(t *testing.T) {
	cs := NewChainSet(0)
	clock := time.Unix(1000, 0)
	cs.now = func() time.Time { return clock }

	for i := 0; i < maxChains; i++ {
		ts := fmt.Sprintf("2201041530%02d", i)
		cs.Add(vd(1, 0, jt808.PackageStart, ts, []byte{byte(i)}), uint16(i))
		clock = clock.Add(time.Millisecond)
	}
	if cs.Len() != maxChains {
		t.Fatalf("chains = %d, want %d", cs.Len(), maxChains)
	}

	// One more evicts the oldest; the rest stay.
	cs.Add(vd(2, 0, jt808.PackageStart, "220104160000", []byte("new")), 99)
	if cs.Len() != maxChains {
		t.Fatalf("chains after eviction = %d, want %d", cs.Len(), maxChains)
	}

	// The evicted chain's end now stands alone (degraded).
	f := cs.Add(vd(1, 0, jt808.PackageEnd, "220104153000", []byte("tail")), 100)
	if f == nil || !f.Degraded {
		t.Fatalf("evicted chain end = %+v", f)
	}

	// The survivor still completes cleanly.
	f = cs.Add(vd(1, 0, jt808.PackageEnd, "220104153001", []byte("tail")), 101)
	if f == nil || f.Degraded || !bytes.Equal(f.Payload, []byte{0x01, 't', 'a', 'i', 'l'}) {
		t.Fatalf("survivor = %+v", f)
	}
}
