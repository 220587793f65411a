// Package transcode is the boundary to the audio transcoding engine. It
// normalises raw PCM for each consumer: a continuous stream for the live
// recognizer and one file per segment for the batch path.
//
// Two engines are provided. [FFmpeg] drives an external ffmpeg process and
// supports every [Codec]. [Native] runs in-process and supports raw PCM and
// wav output only.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MrWong99/voicescribe/pkg/audio"
)

// ErrUnsupportedCodec is returned when an engine cannot produce the
// requested output codec.
var ErrUnsupportedCodec = errors.New("transcode: unsupported codec")

// Codec names an output encoding.
type Codec string

const (
	// CodecPCM is raw signed 16-bit little-endian PCM.
	CodecPCM Codec = "pcm_s16le"
	// CodecMP3 is MPEG layer III.
	CodecMP3 Codec = "mp3"
	// CodecWAV is RIFF/WAVE with 16-bit PCM payload.
	CodecWAV Codec = "wav"
)

// Ext returns the file extension for artifacts of this codec.
func (c Codec) Ext() string {
	switch c {
	case CodecPCM:
		return "pcm"
	case CodecMP3:
		return "mp3"
	case CodecWAV:
		return "wav"
	default:
		return string(c)
	}
}

// ParseCodec maps a configuration name onto a Codec.
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case CodecPCM, CodecMP3, CodecWAV:
		return Codec(name), nil
	case "pcm", "s16le":
		return CodecPCM, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
}

// Format describes the raw PCM input of an invocation.
type Format = audio.Format

// Target describes the desired output.
type Target struct {
	SampleRate int
	Channels   int
	Codec      Codec

	// Bitrate in kbit/s for lossy codecs. Zero selects the engine default.
	Bitrate int
}

// Format returns the PCM layout of the target.
func (t Target) Format() audio.Format {
	return audio.Format{SampleRate: t.SampleRate, Channels: t.Channels, SampleFormat: audio.SampleS16LE}
}

// Invocation identifies one engine run in hook callbacks.
type Invocation struct {
	Engine string
	// Path is the output file, empty for streams.
	Path   string
	Target Target
}

// Hooks receive the lifecycle signals of every engine invocation. Any field
// may be nil. OnEnd and OnError are mutually exclusive.
type Hooks struct {
	OnStart func(Invocation)
	OnEnd   func(Invocation, time.Duration)
	OnError func(Invocation, error)
}

func (h Hooks) start(inv Invocation) time.Time {
	if h.OnStart != nil {
		h.OnStart(inv)
	}
	return time.Now()
}

func (h Hooks) finish(inv Invocation, started time.Time, err error) {
	if err != nil {
		if h.OnError != nil {
			h.OnError(inv, err)
		}
		return
	}
	if h.OnEnd != nil {
		h.OnEnd(inv, time.Since(started))
	}
}

// Engine converts raw PCM into a target encoding.
type Engine interface {
	// Name returns a short identifier for logs and metrics.
	Name() string

	// Stream converts src continuously. The returned reader yields output as
	// it becomes available and reports EOF after src is exhausted. Closing the
	// reader aborts the conversion.
	Stream(ctx context.Context, in Format, out Target, src io.Reader) (io.ReadCloser, error)

	// File writes pcm converted to out at path. The file appears atomically:
	// output goes to path+".part" and is renamed on success.
	File(ctx context.Context, in Format, out Target, pcm []byte, path string) error
}

// PartSuffix is appended to files that are still being written.
const PartSuffix = ".part"

// commit renames the finished part file into place, or removes it on error.
func commit(part, path string, err error) error {
	if err != nil {
		_ = os.Remove(part)
		return err
	}
	if err := os.Rename(part, path); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("transcode: rename %s: %w", part, err)
	}
	return nil
}
