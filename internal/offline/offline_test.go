package offline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sttmock "github.com/MrWong99/voicescribe/pkg/provider/stt/mock"
)

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte{0, 0}, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestParseArtifact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ok      bool
		speaker string
		ms      int64
		index   int
	}{
		{"alice-1700000000000-chunk3.mp3", true, "alice", 1700000000000, 3},
		{"user-with-dashes-1700000000001-chunk10.pcm", true, "user-with-dashes", 1700000000001, 10},
		{"alice-1700000000000-chunk3.mp3.part", false, "", 0, 0},
		{"notes.txt", false, "", 0, 0},
		{"alice-chunk1.wav", false, "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, ok := ParseArtifact(tt.name)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if a.SpeakerID != tt.speaker || a.Index != tt.index || a.Time.UnixMilli() != tt.ms {
				t.Errorf("got %+v", a)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
	d, err := New(Config{RecordingsDir: "r", TranscriptsDir: "t", Transcriber: &sttmock.Transcriber{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.cfg.Concurrency != DefaultConcurrency {
		t.Errorf("concurrency = %d, want %d", d.cfg.Concurrency, DefaultConcurrency)
	}
}

func TestPending_OrdersChronologically(t *testing.T) {
	t.Parallel()

	rec := t.TempDir()
	touch(t, rec, "alice-2000-chunk0.pcm")
	touch(t, rec, "alice-1000-chunk1.pcm")
	touch(t, rec, "alice-1000-chunk0.pcm")
	touch(t, rec, "bob-1500-chunk0.pcm")
	touch(t, rec, "bob-1500-chunk1.pcm.part")
	if err := os.Mkdir(filepath.Join(rec, ProcessedDir), 0o755); err != nil {
		t.Fatal(err)
	}

	d, _ := New(Config{RecordingsDir: rec, TranscriptsDir: t.TempDir(), Transcriber: &sttmock.Transcriber{}})
	pending, err := d.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	var names []string
	for _, a := range pending["alice"] {
		names = append(names, filepath.Base(a.Path))
	}
	want := "alice-1000-chunk0.pcm,alice-1000-chunk1.pcm,alice-2000-chunk0.pcm"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("alice order = %s, want %s", got, want)
	}
	if len(pending["bob"]) != 1 {
		t.Errorf("bob artifacts = %d, want 1 (part files ignored)", len(pending["bob"]))
	}
}

func TestPending_MissingDirectory(t *testing.T) {
	t.Parallel()

	d, _ := New(Config{
		RecordingsDir:  filepath.Join(t.TempDir(), "absent"),
		TranscriptsDir: t.TempDir(),
		Transcriber:    &sttmock.Transcriber{},
	})
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain on missing dir: %v", err)
	}
}

func TestDrain_TranscribesAndMoves(t *testing.T) {
	t.Parallel()

	rec, out := t.TempDir(), t.TempDir()
	first := touch(t, rec, "alice-1700000000000-chunk0.pcm")
	second := touch(t, rec, "alice-1700000020000-chunk1.pcm")
	silent := touch(t, rec, "alice-1700000040000-chunk2.pcm")
	bob := touch(t, rec, "bob-1700000000500-chunk0.pcm")

	tr := &sttmock.Transcriber{Results: map[string]string{
		first:  " Good morning. ",
		second: "Let's start.",
		silent: "",
		bob:    "Hi all.",
	}}
	var mu sync.Mutex
	var notified []string
	d, err := New(Config{
		RecordingsDir:  rec,
		TranscriptsDir: out,
		Transcriber:    tr,
		OnTranscript: func(_ context.Context, path string) {
			mu.Lock()
			defer mu.Unlock()
			notified = append(notified, filepath.Base(path))
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	got := readFile(t, d.BatchLogPath("alice"))
	want := "[" + time.UnixMilli(1700000000000).UTC().Format(time.RFC3339Nano) + "] Good morning.\n" +
		"[" + time.UnixMilli(1700000020000).UTC().Format(time.RFC3339Nano) + "] Let's start.\n"
	if got != want {
		t.Errorf("alice log =\n%s\nwant\n%s", got, want)
	}
	if !strings.HasSuffix(readFile(t, d.BatchLogPath("bob")), "] Hi all.\n") {
		t.Error("bob log missing line")
	}

	for _, p := range []string{first, second, silent, bob} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should have been moved", filepath.Base(p))
		}
		if _, err := os.Stat(filepath.Join(rec, ProcessedDir, filepath.Base(p))); err != nil {
			t.Errorf("%s missing from processed: %v", filepath.Base(p), err)
		}
	}
	if len(notified) != 2 {
		t.Errorf("OnTranscript calls = %v, want both speakers", notified)
	}

	// A second drain finds nothing.
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(tr.Calls()) != 4 {
		t.Errorf("transcribe calls = %d, want 4", len(tr.Calls()))
	}
}

func TestDrain_FailedFileStays(t *testing.T) {
	t.Parallel()

	rec, out := t.TempDir(), t.TempDir()
	bad := touch(t, rec, "alice-1000-chunk0.pcm")
	good := touch(t, rec, "alice-2000-chunk1.pcm")
	tr := &sttmock.Transcriber{
		Default: "ok",
		Errs:    map[string]error{bad: errors.New("server 500")},
	}
	d, _ := New(Config{RecordingsDir: rec, TranscriptsDir: out, Transcriber: tr})

	if err := d.Drain(context.Background()); err == nil {
		t.Fatal("expected joined error")
	}
	if _, err := os.Stat(bad); err != nil {
		t.Errorf("failed file should stay: %v", err)
	}
	if _, err := os.Stat(good); !os.IsNotExist(err) {
		t.Error("successful file should be moved")
	}

	delete(tr.Errs, bad)
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("retry Drain: %v", err)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Error("retried file should be moved")
	}
}

func TestDrain_CancelledContext(t *testing.T) {
	t.Parallel()

	rec := t.TempDir()
	path := touch(t, rec, "alice-1000-chunk0.pcm")
	d, _ := New(Config{RecordingsDir: rec, TranscriptsDir: t.TempDir(), Transcriber: &sttmock.Transcriber{Default: "x"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Drain(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Drain = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file should be untouched: %v", err)
	}
}

func TestDrain_MoveFailureWritesNoLine(t *testing.T) {
	t.Parallel()

	rec, out := t.TempDir(), t.TempDir()
	path := touch(t, rec, "alice-1000-chunk0.pcm")
	// A regular file where processed/ should be makes every move fail.
	blocker := touch(t, rec, ProcessedDir)
	d, _ := New(Config{RecordingsDir: rec, TranscriptsDir: out, Transcriber: &sttmock.Transcriber{Default: "hello"}})

	if err := d.Drain(context.Background()); err == nil {
		t.Fatal("expected move error")
	}
	if _, err := os.Stat(d.BatchLogPath("alice")); !os.IsNotExist(err) {
		t.Fatalf("transcript written before the file moved: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should stay for the next drain: %v", err)
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("retry Drain: %v", err)
	}
	if got := strings.Count(readFile(t, d.BatchLogPath("alice")), "] hello\n"); got != 1 {
		t.Errorf("lines = %d, want 1", got)
	}
}

func TestDrain_AppendFailureRestoresFile(t *testing.T) {
	t.Parallel()

	rec, out := t.TempDir(), t.TempDir()
	path := touch(t, rec, "alice-1000-chunk0.pcm")
	d, _ := New(Config{RecordingsDir: rec, TranscriptsDir: out, Transcriber: &sttmock.Transcriber{Default: "hello"}})
	// A directory at the log path makes the append fail.
	logPath := d.BatchLogPath("alice")
	if err := os.MkdirAll(logPath, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := d.Drain(context.Background()); err == nil {
		t.Fatal("expected append error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should be restored after a failed append: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rec, ProcessedDir, filepath.Base(path))); !os.IsNotExist(err) {
		t.Errorf("file left in processed: %v", err)
	}

	if err := os.Remove(logPath); err != nil {
		t.Fatal(err)
	}
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("retry Drain: %v", err)
	}
	if got := strings.Count(readFile(t, logPath), "] hello\n"); got != 1 {
		t.Errorf("lines = %d, want 1", got)
	}
}
