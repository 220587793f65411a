package capture

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicescribe/pkg/audio"
)

// echoDecoder returns the payload doubled so tests can trace frames end to
// end; payloads starting with 0x7F fail.
type echoDecoder struct{ resets int }

func (d *echoDecoder) Decode(p []byte) ([]byte, error) {
	if p[0] == 0x7F {
		return nil, errors.New("corrupt")
	}
	return append(append([]byte(nil), p...), p...), nil
}

func (d *echoDecoder) Resets() int { return d.resets }

type recordingSink struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	delay  time.Duration
}

func (s *recordingSink) Write(_ context.Context, pcm []byte) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, pcm)
	if s.fail {
		return errors.New("disk full")
	}
	return nil
}

func (s *recordingSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func frame(seq byte) []byte { return []byte{0x10, seq, 1, 1, 1} }

func TestWorker_InOrderDelivery(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{delay: time.Millisecond}
	w, err := NewWorker(Config{
		Validator:   ValidatorConfig{WarmupSkip: 3},
		QueueSize:   2,
		QueuePolicy: audio.PolicyBlock,
	}, sink, WithDecoder(&echoDecoder{}))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	frames := make(chan []byte)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), frames)
		close(done)
	}()

	for i := range 3 + 20 {
		frames <- frame(byte(i))
	}
	frames <- []byte{0x7F, 1, 1, 1, 1} // decode failure
	frames <- make([]byte, 10)         // invalid
	close(frames)
	<-done

	got := sink.snapshot()
	if len(got) != 20 {
		t.Fatalf("sink writes = %d, want 20", len(got))
	}
	for i, pcm := range got {
		want := frame(byte(i + 3))
		want = append(want, want...)
		if !bytes.Equal(pcm, want) {
			t.Fatalf("write %d = %v, want %v", i, pcm, want)
		}
	}
	c := w.Counters()
	if c.Skipped != 3 || c.Valid != 21 || c.Invalid != 1 {
		t.Errorf("counters = %+v", c)
	}
	if w.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0 with block policy", w.Dropped())
	}
}

func TestWorker_SinkErrorsDoNotStopStream(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{fail: true}
	w, err := NewWorker(Config{Validator: ValidatorConfig{WarmupSkip: -1}}, sink, WithDecoder(&echoDecoder{}))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	frames := make(chan []byte, 5)
	for i := range 5 {
		frames <- frame(byte(i))
	}
	close(frames)
	w.Run(context.Background(), frames)

	if got := len(sink.snapshot()); got != 5 {
		t.Errorf("sink writes = %d, want 5", got)
	}
}

func TestWorker_StopsOnCancel(t *testing.T) {
	t.Parallel()
	w, err := NewWorker(Config{}, &recordingSink{}, WithDecoder(&echoDecoder{}))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, make(chan []byte))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_DefaultDecoder(t *testing.T) {
	t.Parallel()
	w, err := NewWorker(Config{DecoderResetAfter: 2}, &recordingSink{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if w.decoder == nil {
		t.Fatal("expected a default opus decoder")
	}
}
