package tailer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tailship/tailship/pkg/clock"
	"github.com/tailship/tailship/pkg/metrics"
)

type watchEvent struct {
	path string
	size int64
}

// startTailer runs a Tailer over paths and returns channels for established
// watches and emitted lines.
func startTailer(t *testing.T, paths []string, opts ...Option) (*Tailer, <-chan watchEvent, <-chan Line) {
	t.Helper()
	tl := New("test", paths, opts...)
	watches := make(chan watchEvent, 16)
	lines := make(chan Line, 64)
	tl.onWatch = func(path string, size int64) { watches <- watchEvent{path, size} }
	tl.OnLine(func(l Line) { lines <- l })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := tl.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tl, watches, lines
}

func waitWatch(t *testing.T, ch <-chan watchEvent) watchEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watch")
		return watchEvent{}
	}
}

func collectLines(t *testing.T, ch <-chan Line, n int) []Line {
	t.Helper()
	var out []Line
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case l := <-ch:
			out = append(out, l)
		case <-deadline:
			t.Fatalf("got %d lines, want %d: %+v", len(out), n, out)
		}
	}
	return out
}

func expectNoLines(t *testing.T, ch <-chan Line, wait time.Duration) {
	t.Helper()
	select {
	case l := <-ch:
		t.Fatalf("unexpected line %+v", l)
	case <-time.After(wait):
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

func texts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestTailer_EmitsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "")

	_, watches, lines := startTailer(t, []string{path})
	if ev := waitWatch(t, watches); ev.path != path || ev.size != 0 {
		t.Fatalf("watch = %+v, want %s at 0", ev, path)
	}

	appendFile(t, path, "a\nb\n")

	got := collectLines(t, lines, 2)
	if strings.Join(texts(got), ",") != "a,b" {
		t.Errorf("lines = %q, want [a b]", texts(got))
	}
	for _, l := range got {
		if l.Source != "test" || l.Path != path {
			t.Errorf("line tagged %q/%q, want test/%s", l.Source, l.Path, path)
		}
	}
	expectNoLines(t, lines, 200*time.Millisecond)
}

func TestTailer_SkipsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "old-1\nold-2\n")

	_, watches, lines := startTailer(t, []string{path})
	if ev := waitWatch(t, watches); ev.size != 12 {
		t.Fatalf("watermark = %d, want 12", ev.size)
	}

	appendFile(t, path, "new\n")
	got := collectLines(t, lines, 1)
	if got[0].Text != "new" {
		t.Errorf("line = %q, want new", got[0].Text)
	}
	expectNoLines(t, lines, 200*time.Millisecond)
}

func TestTailer_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "old content\n")

	reg := metrics.NewRegistry()
	_, watches, lines := startTailer(t, []string{path},
		WithPollInterval(20*time.Millisecond), WithMetrics(reg))
	if ev := waitWatch(t, watches); ev.size != 12 {
		t.Fatalf("initial watermark = %d, want 12", ev.size)
	}

	// Rotate: move the file away, then atomically put a smaller one in place.
	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path+".new", "x\n")
	if err := os.Rename(path+".new", path); err != nil {
		t.Fatal(err)
	}

	ev := waitWatch(t, watches)
	if ev.path != path {
		t.Fatalf("rewatch path = %q, want %q", ev.path, path)
	}
	if ev.size != 2 {
		t.Fatalf("watermark after rotation = %d, want new file size 2", ev.size)
	}

	appendFile(t, path, "fresh\n")
	got := collectLines(t, lines, 1)
	if got[0].Text != "fresh" {
		t.Errorf("line = %q, want fresh", got[0].Text)
	}
	expectNoLines(t, lines, 200*time.Millisecond)

	if n := reg.Value("tailship_rotations_total", "test"); n != 1 {
		t.Errorf("rotations = %v, want 1", n)
	}
}

func TestTailer_WaitsForMissingFile(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "late.log")

	_, watches, lines := startTailer(t, []string{path}, WithClock(fc))

	fc.WaitForTimers(1)
	writeFile(t, path, "pre\n")

	fc.Advance(999 * time.Millisecond)
	select {
	case ev := <-watches:
		t.Fatalf("watched %+v before the poll interval elapsed", ev)
	case <-time.After(50 * time.Millisecond):
	}

	fc.Advance(time.Millisecond)
	if ev := waitWatch(t, watches); ev.path != path || ev.size != 4 {
		t.Fatalf("watch = %+v, want %s at 4", ev, path)
	}

	appendFile(t, path, "post\n")
	if got := collectLines(t, lines, 1); got[0].Text != "post" {
		t.Errorf("line = %q, want post", got[0].Text)
	}
}

func TestTailer_DirectoryExpandsOneLevel(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	nested := filepath.Join(dir, "sub", "c.log")
	writeFile(t, a, "")
	writeFile(t, b, "")
	if err := os.Mkdir(filepath.Dir(nested), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, nested, "")

	_, watches, lines := startTailer(t, []string{dir})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[waitWatch(t, watches).path] = true
	}
	if !seen[a] || !seen[b] {
		t.Fatalf("watched %v, want %s and %s", seen, a, b)
	}
	select {
	case ev := <-watches:
		t.Fatalf("unexpected watch %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	appendFile(t, nested, "ignored\n")
	appendFile(t, b, "from-b\n")

	got := collectLines(t, lines, 1)
	if got[0].Text != "from-b" || got[0].Path != b {
		t.Errorf("line = %+v, want from-b from %s", got[0], b)
	}
	expectNoLines(t, lines, 200*time.Millisecond)
}

func TestTailer_MultipleHandlers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "")

	tl := New("multi", []string{path})
	watched := make(chan struct{}, 1)
	tl.onWatch = func(string, int64) { watched <- struct{}{} }
	first := make(chan string, 4)
	second := make(chan string, 4)
	tl.OnLine(func(l Line) { first <- l.Text })
	tl.OnLine(func(l Line) { second <- l.Text })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tl.Run(ctx) //nolint:errcheck

	<-watched
	appendFile(t, path, "hello\n")

	for name, ch := range map[string]chan string{"first": first, "second": second} {
		select {
		case got := <-ch:
			if got != "hello" {
				t.Errorf("%s handler got %q", name, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s handler not called", name)
		}
	}
}

// The tests below drive the watermark logic directly, without fsnotify.

func newDirectTailer(t *testing.T) (*Tailer, *[]string) {
	t.Helper()
	tl := New("direct", nil)
	var got []string
	tl.OnLine(func(l Line) { got = append(got, l.Text) })
	return tl, &got
}

func TestGrow_DisjointRanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "")
	tl, got := newDirectTailer(t)
	fw := newFileWatch(path, 0)

	chunks := []string{"one\n", "two\nthree\n", "four\n", "five\nsix\nseven\n"}
	var sizes []int64
	for _, c := range chunks {
		appendFile(t, path, c)
		tl.grow(fw)
		sizes = append(sizes, fw.size)
	}

	want := "one,two,three,four,five,six,seven"
	if strings.Join(*got, ",") != want {
		t.Errorf("lines = %v, want %s", *got, want)
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i] <= sizes[i-1] {
			t.Errorf("watermark not increasing: %v", sizes)
		}
	}

	// A change notification with no growth delivers nothing again.
	tl.grow(fw)
	if len(*got) != 7 {
		t.Errorf("re-read delivered duplicates: %v", *got)
	}
}

func TestGrow_SplitsAndDropsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "")
	tl, got := newDirectTailer(t)
	fw := newFileWatch(path, 0)

	appendFile(t, path, "\n\na\n\nb")
	tl.grow(fw)
	if strings.Join(*got, ",") != "a,b" {
		t.Errorf("lines = %q, want [a b]", *got)
	}

	// The rest of a partially flushed line arrives as its own segment.
	appendFile(t, path, "-tail\n")
	tl.grow(fw)
	if strings.Join(*got, ",") != "a,b,-tail" {
		t.Errorf("lines = %q, want [a b -tail]", *got)
	}
}

func TestGrow_ShrinkSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "0123456789")
	tl, got := newDirectTailer(t)
	fw := newFileWatch(path, 10)

	if err := os.Truncate(path, 3); err != nil {
		t.Fatal(err)
	}
	tl.grow(fw)

	if len(*got) != 0 {
		t.Errorf("emitted %v after shrink, want nothing", *got)
	}
	if fw.size != 10 {
		t.Errorf("watermark = %d, want unchanged 10", fw.size)
	}
}

func TestGrow_MissingFileKeepsWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.log")
	tl, got := newDirectTailer(t)
	fw := newFileWatch(path, 5)

	tl.grow(fw)
	if len(*got) != 0 || fw.size != 5 {
		t.Errorf("got %v, watermark %d; want nothing at 5", *got, fw.size)
	}
}

func TestReadTo_ShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "abc\n")
	fw := newFileWatch(path, 0)

	var got []string
	// Ask for more than is there, as after a truncate between stat and read.
	if err := fw.readTo(100, func(s string) { got = append(got, s) }); err != nil {
		t.Fatalf("readTo: %v", err)
	}
	if len(got) != 1 || got[0] != "abc" {
		t.Errorf("lines = %q", got)
	}
	if fw.size != 4 {
		t.Errorf("watermark = %d, want 4 (bytes actually read)", fw.size)
	}
}
