package sshevents

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishOrderSingleProducer(t *testing.T) {
	bus := NewBus(10, PolicyDrop)

	bus.Publish(Connected("c1"))
	bus.Publish(TerminalCreated("c1", "t1"))
	bus.Publish(Data("c1", "t1", []byte("hi")))
	bus.Publish(TerminalClosed("c1", "t1"))
	bus.Publish(Disconnected("c1"))

	want := []EventType{EventConnected, EventTerminalCreated, EventData, EventTerminalClosed, EventDisconnected}
	for i, wt := range want {
		ev := <-bus.Events()
		if ev.Type != wt {
			t.Fatalf("event %d: expected %s, got %s", i, wt, ev.Type)
		}
		if ev.ConnectionID != "c1" {
			t.Errorf("event %d: expected connection c1, got %q", i, ev.ConnectionID)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d: expected timestamp to be set", i)
		}
	}
}

func TestBus_DropPolicyDiscardsWhenFull(t *testing.T) {
	bus := NewBus(2, PolicyDrop)

	if !bus.Publish(Connected("a")) || !bus.Publish(Connected("b")) {
		t.Fatal("expected first two publishes to succeed")
	}
	if bus.Publish(Connected("c")) {
		t.Error("expected third publish to be dropped")
	}
	if bus.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", bus.Dropped())
	}

	// The oldest events survive; the newest was discarded.
	if ev := <-bus.Events(); ev.ConnectionID != "a" {
		t.Errorf("expected a, got %s", ev.ConnectionID)
	}
	if ev := <-bus.Events(); ev.ConnectionID != "b" {
		t.Errorf("expected b, got %s", ev.ConnectionID)
	}
}

func TestBus_BlockPolicyWaitsForRoom(t *testing.T) {
	bus := NewBus(1, PolicyBlock)
	bus.Publish(Connected("first"))

	done := make(chan bool, 1)
	go func() {
		done <- bus.Publish(Connected("second"))
	}()

	select {
	case <-done:
		t.Fatal("publish should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	<-bus.Events()
	select {
	case ok := <-done:
		if !ok {
			t.Error("expected blocked publish to succeed once room was made")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked publish did not complete")
	}
	if bus.Dropped() != 0 {
		t.Errorf("expected no drops under block policy, got %d", bus.Dropped())
	}
}

func TestBus_BlockPolicyContextCancel(t *testing.T) {
	bus := NewBus(1, PolicyBlock)
	bus.Publish(Connected("first"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if bus.PublishContext(ctx, Connected("second")) {
		t.Error("expected publish to give up when the context expires")
	}
	if bus.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", bus.Dropped())
	}
}

func TestBus_CloseReleasesBlockedPublishers(t *testing.T) {
	bus := NewBus(1, PolicyBlock)
	bus.Publish(Connected("first"))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Connected("blocked"))
		}()
	}
	time.Sleep(20 * time.Millisecond)

	bus.Close()
	wg.Wait()

	// Buffered event is still drained, then the channel reports closed.
	if ev, ok := <-bus.Events(); !ok || ev.ConnectionID != "first" {
		t.Errorf("expected buffered event to survive close, got %v ok=%v", ev, ok)
	}
	if _, ok := <-bus.Events(); ok {
		t.Error("expected events channel to be closed")
	}

	if bus.Publish(Connected("late")) {
		t.Error("publish after close must be rejected")
	}
	bus.Close() // idempotent
}

func TestBus_ConcurrentProducers(t *testing.T) {
	bus := NewBus(1000, PolicyDrop)

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(Data("conn", "", []byte{byte(id), byte(i)}))
			}
		}(p)
	}
	wg.Wait()
	bus.Close()

	// Per producer, sequence numbers must be increasing.
	last := make(map[byte]int)
	count := 0
	for ev := range bus.Events() {
		id, seq := ev.Data[0], int(ev.Data[1])
		if prev, ok := last[id]; ok && seq <= prev {
			t.Fatalf("producer %d out of order: %d after %d", id, seq, prev)
		}
		last[id] = seq
		count++
	}
	if count != 500 {
		t.Errorf("expected 500 events, got %d", count)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyDrop, false},
		{"drop", PolicyDrop, false},
		{"block", PolicyBlock, false},
		{"oldest", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEvent_String(t *testing.T) {
	ev := TerminalResized("c", "t", 120, 30)
	if got := ev.String(); got != "terminal_resized(c, t, 120x30)" {
		t.Errorf("unexpected String(): %q", got)
	}
}
