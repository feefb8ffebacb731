package mediabus

import (
	"testing"
	"time"
)

func TestPublishSequencesPerStream(t *testing.T) {
	b := New()
	for i := 0; i < 3; i++ {
		ev := b.Publish(Event{Device: "dev1", Channel: 1, Payload: []byte{byte(i)}})
		if ev.Seq != uint64(i+1) {
			t.Errorf("dev1/1 seq = %d, want %d", ev.Seq, i+1)
		}
	}
	ev := b.Publish(Event{Device: "dev1", Channel: 2})
	if ev.Seq != 1 {
		t.Errorf("dev1/2 seq = %d, want 1", ev.Seq)
	}
	ev = b.Publish(Event{Device: "dev2", Channel: 1})
	if ev.Seq != 1 {
		t.Errorf("dev2/1 seq = %d, want 1", ev.Seq)
	}
}

func TestSubscribeFilters(t *testing.T) {
	b := New()
	all := b.Subscribe(Filter{Channel: -1}, 8)
	only1 := b.Subscribe(Filter{Device: "dev1", Channel: -1}, 8)
	ch2 := b.Subscribe(Filter{Device: "dev1", Channel: 2}, 8)
	defer all.Cancel()
	defer only1.Cancel()
	defer ch2.Cancel()

	b.Publish(Event{Device: "dev1", Channel: 1})
	b.Publish(Event{Device: "dev1", Channel: 2})
	b.Publish(Event{Device: "dev2", Channel: 1})

	if got := len(all.C); got != 3 {
		t.Errorf("wildcard got %d events, want 3", got)
	}
	if got := len(only1.C); got != 2 {
		t.Errorf("device filter got %d events, want 2", got)
	}
	if got := len(ch2.C); got != 1 {
		t.Errorf("channel filter got %d events, want 1", got)
	}
	ev := <-ch2.C
	if ev.Device != "dev1" || ev.Channel != 2 {
		t.Errorf("filtered event = %+v", ev)
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{Channel: -1}, 2)
	defer sub.Cancel()

	for i := 1; i <= 4; i++ {
		b.Publish(Event{Device: "dev1", Channel: 1, Payload: []byte{byte(i)}})
	}

	// The two oldest were sacrificed for the two newest.
	if got := sub.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	ev := <-sub.C
	if ev.Seq != 3 {
		t.Errorf("first delivered seq = %d, want 3", ev.Seq)
	}
	ev = <-sub.C
	if ev.Seq != 4 {
		t.Errorf("second delivered seq = %d, want 4", ev.Seq)
	}
	if b.TotalDropped() != 2 {
		t.Errorf("total dropped = %d", b.TotalDropped())
	}
}

func TestLatestAndRecentRetention(t *testing.T) {
	b := New()
	if _, ok := b.Latest("dev1", 1); ok {
		t.Fatal("Latest on unknown stream reported a frame")
	}

	for i := 1; i <= defaultRetain+10; i++ {
		b.Publish(Event{Device: "dev1", Channel: 1, Payload: []byte{byte(i)}})
	}

	ev, ok := b.Latest("dev1", 1)
	if !ok || ev.Seq != uint64(defaultRetain+10) {
		t.Fatalf("latest = %+v ok=%t", ev, ok)
	}

	recent := b.Recent("dev1", 1, 1000)
	if len(recent) != defaultRetain {
		t.Fatalf("retained = %d, want %d", len(recent), defaultRetain)
	}
	if recent[0].Seq != 11 || recent[len(recent)-1].Seq != uint64(defaultRetain+10) {
		t.Errorf("retained span = %d..%d", recent[0].Seq, recent[len(recent)-1].Seq)
	}

	tail := b.Recent("dev1", 1, 3)
	if len(tail) != 3 || tail[2].Seq != uint64(defaultRetain+10) {
		t.Errorf("tail = %+v", tail)
	}
}

func TestStreamsActivityAndSweep(t *testing.T) {
	b := New()
	clock := time.Unix(1000, 0)
	b.now = func() time.Time { return clock }

	b.Publish(Event{Device: "old", Channel: 1})
	clock = clock.Add(45 * time.Second)
	b.Publish(Event{Device: "fresh", Channel: 1})

	infos := b.Streams()
	if len(infos) != 2 {
		t.Fatalf("streams = %d", len(infos))
	}
	// Sorted by device: "fresh" then "old".
	if infos[0].Device != "fresh" || !infos[0].Active {
		t.Errorf("fresh stream = %+v", infos[0])
	}
	if infos[1].Device != "old" || infos[1].Active {
		t.Errorf("old stream = %+v", infos[1])
	}

	clock = clock.Add(20 * time.Second) // "old" now 65 s idle
	if n := b.sweep(); n != 1 {
		t.Fatalf("swept %d streams, want 1", n)
	}
	if _, ok := b.Latest("old", 1); ok {
		t.Error("swept stream still has frames")
	}
	if _, ok := b.Latest("fresh", 1); !ok {
		t.Error("fresh stream lost")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{Channel: -1}, 1)
	sub.Cancel()
	sub.Cancel() // idempotent

	if _, open := <-sub.C; open {
		t.Fatal("channel still open after cancel")
	}
	// Publishing after cancel must not panic or deliver.
	b.Publish(Event{Device: "dev1", Channel: 1})
}
