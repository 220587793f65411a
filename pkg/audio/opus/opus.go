// Package opus decodes Discord voice payloads into linear PCM using
// layeh.com/gopus.
//
// A [Decoder] holds per-speaker codec state, so each speaker stream needs its
// own instance. Output is always 48 kHz mono little-endian s16, 960 samples
// per 20 ms frame.
package opus

import (
	"fmt"
	"log/slog"

	"layeh.com/gopus"
)

const (
	// SampleRate is the decoder output rate in Hz.
	SampleRate = 48000
	// Channels is the decoder output channel count.
	Channels = 1
	// FrameSize is the number of samples per decoded 20 ms frame.
	FrameSize = SampleRate * 20 / 1000 // 960

	defaultResetAfter = 10
)

// Codec is the subset of the gopus decoder used by [Decoder].
type Codec interface {
	Decode(data []byte, frameSize int, fec bool) ([]int16, error)
}

// Factory creates a fresh [Codec]. It is called once at construction and
// again on every reset.
type Factory func() (Codec, error)

// Option is a functional option for [NewDecoder].
type Option func(*Decoder)

// WithResetAfter sets the number of consecutive decode failures after which
// the codec state is recreated. Zero disables resets.
func WithResetAfter(n int) Option {
	return func(d *Decoder) {
		if n >= 0 {
			d.resetAfter = n
		}
	}
}

// WithFactory replaces the gopus codec factory. Intended for tests.
func WithFactory(f Factory) Option {
	return func(d *Decoder) { d.factory = f }
}

// WithLogger attaches contextual attributes to decoder log lines.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

// Decoder turns validated Opus payloads into PCM frames.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	codec      Codec
	factory    Factory
	resetAfter int
	log        *slog.Logger

	streak int
	resets int
	errors int
}

// NewDecoder creates a Decoder with a fresh codec.
func NewDecoder(opts ...Option) (*Decoder, error) {
	d := &Decoder{
		factory:    gopusFactory,
		resetAfter: defaultResetAfter,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	codec, err := d.factory()
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	d.codec = codec
	return d, nil
}

func gopusFactory() (Codec, error) {
	return gopus.NewDecoder(SampleRate, Channels)
}

// Decode decodes one Opus payload into little-endian s16 PCM. On failure
// the frame is dropped and an error is returned; the caller continues with
// the next frame. After the configured number of consecutive failures the
// codec is recreated.
func (d *Decoder) Decode(payload []byte) ([]byte, error) {
	pcm, err := d.codec.Decode(payload, FrameSize, false)
	if err != nil {
		d.errors++
		d.streak++
		if d.resetAfter > 0 && d.streak >= d.resetAfter {
			d.reset()
		}
		return nil, fmt.Errorf("opus: decode %d bytes: %w", len(payload), err)
	}
	d.streak = 0
	return int16sToBytes(pcm), nil
}

func (d *Decoder) reset() {
	codec, err := d.factory()
	if err != nil {
		d.log.Error("opus: recreate decoder failed, keeping previous state", "err", err)
		d.streak = 0
		return
	}
	d.log.Warn("opus: decoder reset after consecutive failures", "failures", d.streak)
	d.codec = codec
	d.streak = 0
	d.resets++
}

// Resets returns how many times the codec state was recreated.
func (d *Decoder) Resets() int { return d.resets }

// Errors returns the total number of failed decodes.
func (d *Decoder) Errors() int { return d.errors }

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
