package store

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tailship/tailship/pkg/clock"
)

func rec(node, source, text string) Record {
	return Record{Node: node, Source: source, Level: "info", Text: text}
}

func texts(rs []Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Text
	}
	return out
}

func equal(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAnnounceAndNode(t *testing.T) {
	st := New(10, time.Minute)
	st.Announce("n1", []string{"a", "b"})

	n, ok := st.Node("n1")
	if !ok {
		t.Fatal("Node: expected entry, got none")
	}
	equal(t, n.Sources, []string{"a", "b"})
	if n.Connections != 0 {
		t.Errorf("Connections = %d, want 0", n.Connections)
	}

	// Re-announce replaces the list.
	st.Announce("n1", []string{"c"})
	n, _ = st.Node("n1")
	equal(t, n.Sources, []string{"c"})
}

func TestNode_Missing(t *testing.T) {
	st := New(10, time.Minute)
	if _, ok := st.Node("unknown"); ok {
		t.Fatal("Node on empty store: expected false, got true")
	}
}

func TestNode_ReturnsCopy(t *testing.T) {
	st := New(10, time.Minute)
	st.Announce("n1", []string{"a"})
	n, _ := st.Node("n1")
	n.Sources[0] = "mutated"
	n2, _ := st.Node("n1")
	if n2.Sources[0] != "a" {
		t.Errorf("store entry was mutated through a returned copy")
	}
}

func TestBindRelease(t *testing.T) {
	st := New(10, time.Minute)
	st.Bind("n1")
	st.Bind("n1")
	if n, _ := st.Node("n1"); n.Connections != 2 {
		t.Fatalf("Connections = %d, want 2", n.Connections)
	}
	st.Release("n1")
	st.Release("n1")
	st.Release("n1") // extra release does not go negative
	if n, _ := st.Node("n1"); n.Connections != 0 {
		t.Errorf("Connections = %d, want 0", n.Connections)
	}
	st.Release("ghost") // unknown node is a no-op
}

func TestAppend_RetentionKeepsNewest(t *testing.T) {
	st := New(3, time.Minute)
	for i := 1; i <= 5; i++ {
		st.Append(rec("n1", "a", "l"+strconv.Itoa(i)))
	}
	equal(t, texts(st.Lines("n1", "a", 0)), []string{"l3", "l4", "l5"})

	n, _ := st.Node("n1")
	if n.Lines != 5 {
		t.Errorf("Lines counter = %d, want 5", n.Lines)
	}
}

func TestAppend_StampsSeqAndTime(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := New(10, time.Minute, WithClock(clock.Fake(base)))

	r1 := st.Append(rec("n1", "a", "x"))
	r2 := st.Append(rec("n2", "a", "y"))
	if r1.Seq == 0 || r2.Seq <= r1.Seq {
		t.Errorf("Seq not increasing: %d, %d", r1.Seq, r2.Seq)
	}
	if !r1.Received.Equal(base) {
		t.Errorf("Received = %v, want %v", r1.Received, base)
	}

	preset := base.Add(-time.Hour)
	r3 := st.Append(Record{Node: "n1", Source: "a", Text: "z", Received: preset})
	if !r3.Received.Equal(preset) {
		t.Errorf("preset Received overwritten: %v", r3.Received)
	}
}

func TestLines_Filters(t *testing.T) {
	st := New(10, time.Minute)
	st.Append(rec("n1", "a", "1"))
	st.Append(rec("n2", "a", "2"))
	st.Append(rec("n1", "b", "3"))
	st.Append(rec("n1", "a", "4"))

	tests := []struct {
		name         string
		node, source string
		limit        int
		want         []string
	}{
		{"all", "", "", 0, []string{"1", "2", "3", "4"}},
		{"node", "n1", "", 0, []string{"1", "3", "4"}},
		{"source", "", "a", 0, []string{"1", "2", "4"}},
		{"node and source", "n1", "a", 0, []string{"1", "4"}},
		{"limit keeps newest", "", "", 2, []string{"3", "4"}},
		{"unknown node", "n9", "", 0, []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			equal(t, texts(st.Lines(tc.node, tc.source, tc.limit)), tc.want)
		})
	}
}

func TestNodes_Sorted(t *testing.T) {
	st := New(10, time.Minute)
	for _, n := range []string{"web-2", "db-1", "web-1"} {
		st.Bind(n)
	}
	var names []string
	for _, n := range st.Nodes() {
		names = append(names, n.Name)
	}
	equal(t, names, []string{"db-1", "web-1", "web-2"})
}

func TestStats(t *testing.T) {
	st := New(10, time.Minute)
	st.Bind("n1")
	st.Announce("n2", []string{"a"})
	st.Append(rec("n1", "a", "x"))
	st.Append(rec("n1", "a", "y"))

	got := st.Stats()
	if got.Nodes != 2 || got.Connected != 1 || got.Lines != 2 {
		t.Errorf("Stats = %+v, want {Nodes:2 Connected:1 Lines:2}", got)
	}
}

func TestEvict(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.Fake(base)
	st := New(10, 5*time.Minute, WithClock(fc))

	st.Announce("idle", nil)
	st.Bind("connected")
	fc.Advance(4 * time.Minute)
	st.Append(rec("recent", "a", "x"))

	if n := st.Evict(base.Add(5 * time.Minute)); n != 1 {
		t.Fatalf("Evict removed %d, want 1", n)
	}
	if _, ok := st.Node("idle"); ok {
		t.Error("idle node should be evicted")
	}
	if _, ok := st.Node("connected"); !ok {
		t.Error("node with an open connection must not be evicted")
	}
	if _, ok := st.Node("recent"); !ok {
		t.Error("recently seen node should remain")
	}
}

func TestEvict_ZeroTTLKeepsAll(t *testing.T) {
	st := New(10, 0)
	st.Announce("n1", nil)
	if n := st.Evict(time.Now().Add(24 * time.Hour)); n != 0 {
		t.Errorf("Evict removed %d with TTL 0, want 0", n)
	}
}

func TestRun_EvictsOnTick(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.Fake(base)
	st := New(10, 10*time.Second, WithClock(fc))
	st.Announce("idle", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		st.Run(ctx)
		close(done)
	}()

	fc.WaitForTimers(1)
	fc.Advance(10 * time.Second) // two ticks' worth; the ticker fires once

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := st.Node("idle"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle node was not evicted by Run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentAccess(t *testing.T) {
	st := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "n" + strconv.Itoa(i%3)
			for j := 0; j < 200; j++ {
				st.Bind(name)
				st.Append(rec(name, "a", "x"))
				_ = st.Lines(name, "", 10)
				_ = st.Nodes()
				st.Release(name)
			}
		}(i)
	}
	wg.Wait()
	if got := st.Stats().Lines; got != 8*200 {
		t.Errorf("Lines = %d, want %d", got, 8*200)
	}
}

func TestRing(t *testing.T) {
	r := newRing(2)
	if len(r.records()) != 0 {
		t.Fatal("new ring should be empty")
	}
	r.push(rec("n", "s", "a"))
	equal(t, texts(r.records()), []string{"a"})
	r.push(rec("n", "s", "b"))
	r.push(rec("n", "s", "c"))
	equal(t, texts(r.records()), []string{"b", "c"})
}

func TestNode_Streams(t *testing.T) {
	st := New(10, time.Minute)
	st.Announce("n1", []string{"a"})
	st.Append(rec("n1", "z", "x"))
	st.Append(rec("n1", "a", "y"))

	n, _ := st.Node("n1")
	equal(t, n.Streams, []string{"a", "z"})
}
