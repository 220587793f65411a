package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// SampleFormat names the encoding of individual PCM samples.
type SampleFormat string

// SampleS16LE is signed 16-bit little-endian PCM, the only sample format the
// capture pipeline produces.
const SampleS16LE SampleFormat = "s16le"

// Format describes a raw PCM stream.
type Format struct {
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat
}

// CaptureFormat is the format produced by the Opus decoder: 48 kHz mono s16le.
var CaptureFormat = Format{SampleRate: 48000, Channels: 1, SampleFormat: SampleS16LE}

// BytesPerSecond returns the byte rate of the stream. An empty SampleFormat
// is treated as s16le.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// String returns a human-readable description, e.g. "48000Hz mono s16le".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	sf := f.SampleFormat
	if sf == "" {
		sf = SampleS16LE
	}
	return fmt.Sprintf("%dHz %s %s", f.SampleRate, ch, sf)
}

// FormatConverter converts s16le PCM chunks from one format to another. It
// logs once on the first corrupt chunk. Create one per stream; not designed
// for shared use across goroutines.
type FormatConverter struct {
	From Format
	To   Format

	warnedCorrupt sync.Once
}

// Convert converts pcm from c.From to c.To. When the formats match, pcm is
// returned unchanged (zero allocation). Chunks with an odd byte count are
// dropped and nil is returned. Conversion order: resample first, then channel
// convert.
func (c *FormatConverter) Convert(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping chunk",
				"bytes", len(pcm),
				"from", c.From.String(),
			)
		})
		return nil
	}

	if c.From.SampleRate == c.To.SampleRate && c.From.Channels == c.To.Channels {
		return pcm
	}

	if c.From.SampleRate != c.To.SampleRate {
		if c.From.Channels == 1 {
			pcm = ResampleMono16(pcm, c.From.SampleRate, c.To.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, c.From.SampleRate, c.To.SampleRate)
		}
	}

	switch {
	case c.From.Channels == 1 && c.To.Channels == 2:
		pcm = MonoToStereo(pcm)
	case c.From.Channels == 2 && c.To.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*4))
		r := int32(sampleAt(pcm, i*4+2))
		putSample(out, i*2, int16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, srcRate, dstRate, 1)
}

// ResampleStereo16 resamples 16-bit interleaved stereo PCM from srcRate to
// dstRate using linear interpolation.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, srcRate, dstRate, 2)
}

func resample16(pcm []byte, srcRate, dstRate, channels int) []byte {
	frameBytes := 2 * channels
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < frameBytes {
		return pcm
	}
	srcFrames := len(pcm) / frameBytes
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := float64(sampleAt(pcm, srcIdx*frameBytes+ch*2))
			s1 := float64(sampleAt(pcm, next*frameBytes+ch*2))
			putSample(out, i*frameBytes+ch*2, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, off int) int16 {
	return int16(pcm[off]) | int16(pcm[off+1])<<8
}

func putSample(pcm []byte, off int, s int16) {
	pcm[off] = byte(s)
	pcm[off+1] = byte(s >> 8)
}
