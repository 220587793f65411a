package opus

import (
	"errors"
	"testing"

	"layeh.com/gopus"
)

type fakeCodec struct {
	id   int
	fail bool
}

func (f *fakeCodec) Decode(data []byte, frameSize int, _ bool) ([]int16, error) {
	if f.fail || len(data) == 0 || data[0] == 0xFF {
		return nil, errors.New("corrupt")
	}
	return make([]int16, frameSize), nil
}

func countingFactory(created *int) Factory {
	return func() (Codec, error) {
		*created++
		return &fakeCodec{id: *created}, nil
	}
}

func TestDecoder_OutputSize(t *testing.T) {
	t.Parallel()
	var created int
	d, err := NewDecoder(WithFactory(countingFactory(&created)))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	pcm, err := d.Decode([]byte{0x10, 0x20})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != FrameSize*2 {
		t.Errorf("len = %d, want %d", len(pcm), FrameSize*2)
	}
}

func TestDecoder_ResetAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	var created int
	d, err := NewDecoder(WithFactory(countingFactory(&created)), WithResetAfter(3))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	bad := []byte{0xFF}
	good := []byte{0x01}

	// Two failures and a success break the streak.
	d.Decode(bad)
	d.Decode(bad)
	if _, err := d.Decode(good); err != nil {
		t.Fatalf("Decode(good): %v", err)
	}
	if d.Resets() != 0 {
		t.Fatalf("Resets = %d after interrupted streak, want 0", d.Resets())
	}

	for range 3 {
		if _, err := d.Decode(bad); err == nil {
			t.Fatal("expected decode error")
		}
	}
	if d.Resets() != 1 {
		t.Errorf("Resets = %d, want 1", d.Resets())
	}
	if created != 2 {
		t.Errorf("codecs created = %d, want 2", created)
	}
	if d.Errors() != 5 {
		t.Errorf("Errors = %d, want 5", d.Errors())
	}
}

func TestDecoder_ResetDisabled(t *testing.T) {
	t.Parallel()
	var created int
	d, err := NewDecoder(WithFactory(countingFactory(&created)), WithResetAfter(0))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	for range 50 {
		d.Decode([]byte{0xFF})
	}
	if d.Resets() != 0 || created != 1 {
		t.Errorf("Resets = %d, created = %d; want 0, 1", d.Resets(), created)
	}
}

func TestDecoder_FactoryError(t *testing.T) {
	t.Parallel()
	_, err := NewDecoder(WithFactory(func() (Codec, error) { return nil, errors.New("boom") }))
	if err == nil {
		t.Fatal("expected error from failing factory")
	}
}

func TestDecoder_GopusRoundTrip(t *testing.T) {
	t.Parallel()
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	in := make([]int16, FrameSize)
	for i := range in {
		in[i] = int16((i % 64) * 200)
	}
	packet, err := enc.Encode(in, FrameSize, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	pcm, err := d.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != FrameSize*2 {
		t.Errorf("len = %d, want %d", len(pcm), FrameSize*2)
	}
}
