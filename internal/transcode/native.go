package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voicescribe/pkg/audio"
)

// Compile-time interface assertion.
var _ Engine = (*Native)(nil)

// streamChunkFrames is the number of input sample frames converted per step
// of a native stream (20 ms at 48 kHz).
const streamChunkFrames = 960

// NativeOption is a functional option for [NewNative].
type NativeOption func(*Native)

// WithNativeHooks registers lifecycle hooks.
func WithNativeHooks(h Hooks) NativeOption {
	return func(n *Native) { n.hooks = h }
}

// Native is an in-process [Engine] using linear resampling. It writes raw
// PCM and wav; mp3 requires [FFmpeg].
//
// Native is safe for concurrent use.
type Native struct {
	hooks Hooks
}

// NewNative returns a Native engine.
func NewNative(opts ...NativeOption) *Native {
	n := &Native{}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Name implements [Engine].
func (n *Native) Name() string { return "native" }

// File implements [Engine].
func (n *Native) File(ctx context.Context, in Format, out Target, pcm []byte, path string) (err error) {
	inv := Invocation{Engine: n.Name(), Path: path, Target: out}
	started := n.hooks.start(inv)
	defer func() { n.hooks.finish(inv, started, err) }()

	if out.Codec != CodecPCM && out.Codec != CodecWAV {
		return fmt.Errorf("%w: %q with native engine", ErrUnsupportedCodec, out.Codec)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transcode: %w", err)
	}

	conv := audio.FormatConverter{From: in, To: out.Format()}
	data := conv.Convert(pcm[:len(pcm)&^1])

	part := path + PartSuffix
	switch out.Codec {
	case CodecPCM:
		err = os.WriteFile(part, data, 0o644)
		if err != nil {
			err = fmt.Errorf("transcode: write %s: %w", part, err)
		}
	case CodecWAV:
		err = writeWAV(part, out.Format(), data)
	}
	return commit(part, path, err)
}

// writeWAV encodes s16le pcm into a wav file at path.
func writeWAV(path string, f audio.Format, pcm []byte) (err error) {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("transcode: create %s: %w", path, err)
	}
	defer func() {
		if cerr := fh.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("transcode: close %s: %w", path, cerr)
		}
	}()

	enc := wav.NewEncoder(fh, f.SampleRate, 16, f.Channels, 1)
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("transcode: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("transcode: finalise wav: %w", err)
	}
	return nil
}

// Stream implements [Engine]. Only [CodecPCM] output is supported.
func (n *Native) Stream(ctx context.Context, in Format, out Target, src io.Reader) (io.ReadCloser, error) {
	inv := Invocation{Engine: n.Name(), Target: out}
	started := n.hooks.start(inv)
	if out.Codec != CodecPCM {
		err := fmt.Errorf("%w: %q stream with native engine", ErrUnsupportedCodec, out.Codec)
		n.hooks.finish(inv, started, err)
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		err := convertStream(ctx, in, out.Format(), src, pw)
		if errors.Is(err, io.ErrClosedPipe) {
			err = nil
		}
		n.hooks.finish(inv, started, err)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// convertStream converts src to dst in frame-aligned chunks until src is
// exhausted.
func convertStream(ctx context.Context, in, out audio.Format, src io.Reader, dst io.Writer) error {
	conv := audio.FormatConverter{From: in, To: out}
	frameBytes := 2 * in.Channels
	if frameBytes <= 0 {
		frameBytes = 2
	}
	buf := make([]byte, streamChunkFrames*frameBytes)
	var carry int

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transcode: %w", err)
		}
		n, rerr := src.Read(buf[carry:])
		carry += n
		aligned := carry - carry%frameBytes
		if aligned > 0 {
			if _, err := dst.Write(conv.Convert(buf[:aligned])); err != nil {
				return err
			}
			carry = copy(buf, buf[aligned:carry])
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("transcode: read input: %w", rerr)
		}
	}
}
