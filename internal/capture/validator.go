// Package capture turns a speaker's raw transport frames into decoded PCM.
//
// A [Validator] filters the frame sequence with a cheap heuristic: it strips
// an RTP-style envelope when one is present, discards a fixed warm-up run and
// rejects frames that cannot be compressed audio. A [Worker] chains the
// validator, an Opus decoder and a bounded queue in front of a [Sink].
package capture

import (
	"sync/atomic"
)

const (
	// EnvelopeLen is the length of the transport envelope stripped from
	// frames that carry one.
	EnvelopeLen = 12

	// envelopeVersion is the value of the top two bits of byte 0 that mark
	// an enveloped frame.
	envelopeVersion = 0b10

	// DefaultWarmupSkip is the number of leading frames always discarded.
	DefaultWarmupSkip = 150

	// DefaultMinBytes is the minimum payload length of a valid frame.
	DefaultMinBytes = 5
)

// Class is the validator's verdict for one frame.
type Class int

const (
	// Skipped frames belong to the warm-up run.
	Skipped Class = iota
	// Invalid frames failed the payload heuristic.
	Invalid
	// Valid frames are forwarded to the decoder.
	Valid
)

// String returns the lower-case class name used in logs and metrics.
func (c Class) String() string {
	switch c {
	case Skipped:
		return "skipped"
	case Invalid:
		return "invalid"
	case Valid:
		return "valid"
	default:
		return "unknown"
	}
}

// Counters is a snapshot of a validator's classification totals.
type Counters struct {
	Skipped int64
	Invalid int64
	Valid   int64
}

// Total returns the number of frames classified.
func (c Counters) Total() int64 { return c.Skipped + c.Invalid + c.Valid }

// ValidatorConfig holds the heuristic thresholds. Zero values select the
// defaults; use a negative WarmupSkip to disable the warm-up run.
type ValidatorConfig struct {
	WarmupSkip int
	MinBytes   int
}

// Validator classifies the frames of one speaker stream. Classify must be
// called from a single goroutine; Counters may be read concurrently.
type Validator struct {
	warmup   int64
	minBytes int

	seen    int64
	skipped atomic.Int64
	invalid atomic.Int64
	valid   atomic.Int64
}

// NewValidator returns a Validator for a fresh stream.
func NewValidator(cfg ValidatorConfig) *Validator {
	v := &Validator{warmup: DefaultWarmupSkip, minBytes: DefaultMinBytes}
	switch {
	case cfg.WarmupSkip > 0:
		v.warmup = int64(cfg.WarmupSkip)
	case cfg.WarmupSkip < 0:
		v.warmup = 0
	}
	if cfg.MinBytes > 0 {
		v.minBytes = cfg.MinBytes
	}
	return v
}

// Classify strips the envelope from frame if present and classifies the
// result. The returned payload aliases frame and is only meaningful when the
// class is Valid.
func (v *Validator) Classify(frame []byte) ([]byte, Class) {
	payload := StripEnvelope(frame)

	v.seen++
	if v.seen <= v.warmup {
		v.skipped.Add(1)
		return nil, Skipped
	}
	if !looksLikeAudio(payload, v.minBytes) {
		v.invalid.Add(1)
		return nil, Invalid
	}
	v.valid.Add(1)
	return payload, Valid
}

// Counters returns the current classification totals.
func (v *Validator) Counters() Counters {
	return Counters{
		Skipped: v.skipped.Load(),
		Invalid: v.invalid.Load(),
		Valid:   v.valid.Load(),
	}
}

// StripEnvelope removes the leading transport envelope when frame is longer
// than the envelope and byte 0 carries the envelope version bits. Other
// frames are returned unchanged.
func StripEnvelope(frame []byte) []byte {
	if len(frame) > EnvelopeLen && frame[0]>>6 == envelopeVersion {
		return frame[EnvelopeLen:]
	}
	return frame
}

func looksLikeAudio(p []byte, minBytes int) bool {
	if len(p) < minBytes || p[0] > 127 {
		return false
	}
	for _, b := range p {
		if b != 0 {
			return true
		}
	}
	return false
}
