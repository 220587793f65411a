package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestLog_AppendFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "t.log")
	ts := time.Date(2024, 5, 1, 12, 30, 0, 123000000, time.FixedZone("CEST", 2*3600))
	l := NewLog(path, WithClock(fixedClock(ts)))

	if err := l.Append("hello\nworld"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.AppendAt(ts.Add(time.Second), "second"); err != nil {
		t.Fatalf("AppendAt: %v", err)
	}

	lines := readLines(t, path)
	want := []string{
		"[2024-05-01T10:30:00.123Z] hello world",
		"[2024-05-01T10:30:01.123Z] second",
	}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestLog_AppendsToExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "t.log")
	if err := os.WriteFile(path, []byte("[earlier] kept\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewLog(path).Append("new"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	lines := readLines(t, path)
	if len(lines) != 2 || lines[0] != "[earlier] kept" {
		t.Errorf("existing content was not preserved: %q", lines)
	}
}

func TestLog_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "t.log")
	l := NewLog(path)
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			for range 10 {
				_ = l.Append("line")
			}
		})
	}
	wg.Wait()

	lines := readLines(t, path)
	if len(lines) != 200 {
		t.Fatalf("lines = %d, want 200", len(lines))
	}
	for _, line := range lines {
		if !strings.HasSuffix(line, "] line") {
			t.Fatalf("interleaved line %q", line)
		}
	}
}

func TestLog_UnwritablePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewLog(filepath.Join(blocker, "t.log")).Append("x"); err == nil {
		t.Error("expected error when the parent is a regular file")
	}
}
