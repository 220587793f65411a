package segment

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicescribe/pkg/audio"
)

type collector struct {
	mu   sync.Mutex
	segs []Segment
	fail map[int]bool
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) handle(_ context.Context, seg Segment) error {
	c.mu.Lock()
	c.segs = append(c.segs, seg)
	fail := c.fail[seg.Index]
	c.mu.Unlock()
	c.got <- struct{}{}
	if fail {
		return errors.New("engine exploded")
	}
	return nil
}

func (c *collector) snapshot() []Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Segment(nil), c.segs...)
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d segments, have %d", n, len(c.snapshot()))
		}
	}
}

func start(t *testing.T, s *Segmenter) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSize(t *testing.T) {
	t.Parallel()
	if got := Size(20*time.Second, audio.CaptureFormat); got != 1_920_000 {
		t.Errorf("Size(20s, 48k mono) = %d, want 1920000", got)
	}
	if got := Size(100*time.Millisecond, audio.Format{SampleRate: 16000, Channels: 1}); got != 3200 {
		t.Errorf("Size(100ms, 16k mono) = %d, want 3200", got)
	}
}

func TestSegment_Name(t *testing.T) {
	t.Parallel()
	seg := Segment{SpeakerID: "1234", Index: 3, Time: time.UnixMilli(1700000000123)}
	if got, want := seg.Name("mp3"), "1234-1700000000123-chunk3.mp3"; got != want {
		t.Errorf("Name = %q, want %q", got, want)
	}
}

func TestSegmenter_FortySecondsYieldsTwoSegments(t *testing.T) {
	t.Parallel()
	c := newCollector()
	s := New(Config{SpeakerID: "u1", TargetDuration: 20 * time.Second}, c.handle)
	start(t, s)

	// 40 s of decoded PCM in 20 ms frames.
	frame := make([]byte, 960*2)
	for i := range 2000 {
		frame[0] = byte(i)
		if err := s.Write(context.Background(), frame); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	c.wait(t, 2)

	select {
	case <-c.got:
		t.Fatal("unexpected third segment before more data arrived")
	case <-time.After(100 * time.Millisecond):
	}

	segs := c.snapshot()
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	for i, seg := range segs {
		if seg.Index != i {
			t.Errorf("segment %d has index %d", i, seg.Index)
		}
		if len(seg.PCM) != 1_920_000 {
			t.Errorf("segment %d size = %d, want 1920000", i, len(seg.PCM))
		}
		if seg.Final {
			t.Errorf("segment %d marked final", i)
		}
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", s.Buffered())
	}
}

func TestSegmenter_ConservationAndFinalFlush(t *testing.T) {
	t.Parallel()
	c := newCollector()
	s := New(Config{SpeakerID: "u1", TargetDuration: 10 * time.Millisecond}, c.handle) // 960 bytes
	_, done := start(t, s)

	r := rand.New(rand.NewPCG(7, 11))
	var want bytes.Buffer
	for range 300 {
		chunk := make([]byte, r.IntN(400))
		for i := range chunk {
			chunk[i] = byte(r.IntN(256))
		}
		want.Write(chunk)
		if err := s.Write(context.Background(), chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	s.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got bytes.Buffer
	segs := c.snapshot()
	for i, seg := range segs {
		if seg.Index != i {
			t.Fatalf("segment %d has index %d", i, seg.Index)
		}
		last := i == len(segs)-1
		if !last && len(seg.PCM) != s.SegmentSize() {
			t.Fatalf("segment %d size = %d, want %d", i, len(seg.PCM), s.SegmentSize())
		}
		if seg.Final && !last {
			t.Fatalf("segment %d marked final before the end", i)
		}
		got.Write(seg.PCM)
	}
	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Fatalf("concatenated segments (%d bytes) differ from appended stream (%d bytes)", got.Len(), want.Len())
	}
	if err := s.Write(context.Background(), []byte{1, 2}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestSegmenter_CloseEmptyBufferSkipsFlush(t *testing.T) {
	t.Parallel()
	c := newCollector()
	s := New(Config{SpeakerID: "u1", TargetDuration: 10 * time.Millisecond}, c.handle)
	_, done := start(t, s)

	s.Write(context.Background(), make([]byte, s.SegmentSize()))
	c.wait(t, 1)
	s.Close()
	s.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(c.snapshot()); got != 1 {
		t.Errorf("segments = %d, want 1 (no empty final flush)", got)
	}
}

func TestSegmenter_CancelDoesNotFlush(t *testing.T) {
	t.Parallel()
	c := newCollector()
	s := New(Config{SpeakerID: "u1"}, c.handle)
	cancel, done := start(t, s)

	s.Write(context.Background(), make([]byte, 1000))
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if got := len(c.snapshot()); got != 0 {
		t.Errorf("segments = %d, want 0", got)
	}
	if s.Buffered() != 1000 {
		t.Errorf("Buffered = %d, want 1000", s.Buffered())
	}
}

func TestSegmenter_HandlerErrorContinues(t *testing.T) {
	t.Parallel()
	c := newCollector()
	c.fail = map[int]bool{0: true}
	s := New(Config{SpeakerID: "u1", TargetDuration: 10 * time.Millisecond}, c.handle)
	_, done := start(t, s)

	s.Write(context.Background(), make([]byte, 3*s.SegmentSize()))
	s.Close()
	<-done
	segs := c.snapshot()
	if len(segs) != 3 {
		t.Fatalf("segments = %d, want 3", len(segs))
	}
	if segs[2].Index != 2 {
		t.Errorf("last index = %d, want 2", segs[2].Index)
	}
}

func TestSegmenter_Clock(t *testing.T) {
	t.Parallel()
	c := newCollector()
	fixed := time.UnixMilli(42)
	s := New(Config{SpeakerID: "spk", TargetDuration: 10 * time.Millisecond}, c.handle,
		WithClock(func() time.Time { return fixed }))
	_, done := start(t, s)
	s.Write(context.Background(), []byte{1, 2, 3, 4})
	s.Close()
	<-done
	segs := c.snapshot()
	if len(segs) != 1 || !segs[0].Final {
		t.Fatalf("segments = %+v", segs)
	}
	if got := segs[0].Name("wav"); got != "spk-42-chunk0.wav" {
		t.Errorf("Name = %q", got)
	}
}
