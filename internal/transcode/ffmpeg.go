package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Compile-time interface assertion.
var _ Engine = (*FFmpeg)(nil)

const defaultMP3Bitrate = 128

// FFmpegOption is a functional option for [NewFFmpeg].
type FFmpegOption func(*FFmpeg)

// WithBinary sets the ffmpeg executable. Defaults to "ffmpeg" on $PATH.
func WithBinary(path string) FFmpegOption {
	return func(f *FFmpeg) {
		if path != "" {
			f.binary = path
		}
	}
}

// WithHooks registers lifecycle hooks.
func WithHooks(h Hooks) FFmpegOption {
	return func(f *FFmpeg) { f.hooks = h }
}

// FFmpeg is an [Engine] backed by an ffmpeg child process per invocation.
//
// FFmpeg is safe for concurrent use.
type FFmpeg struct {
	binary string
	hooks  Hooks
}

// NewFFmpeg returns an FFmpeg engine.
func NewFFmpeg(opts ...FFmpegOption) *FFmpeg {
	f := &FFmpeg{binary: "ffmpeg"}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Name implements [Engine].
func (f *FFmpeg) Name() string { return "ffmpeg" }

// inputArgs describes raw PCM arriving on stdin.
func inputArgs(in Format) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "s16le",
		"-ar", strconv.Itoa(in.SampleRate),
		"-ac", strconv.Itoa(in.Channels),
		"-i", "pipe:0",
	}
}

// outputArgs maps a target onto ffmpeg output options, ending with dst.
func outputArgs(out Target, dst string) ([]string, error) {
	args := []string{
		"-ar", strconv.Itoa(out.SampleRate),
		"-ac", strconv.Itoa(out.Channels),
	}
	switch out.Codec {
	case CodecPCM:
		args = append(args, "-c:a", "pcm_s16le", "-f", "s16le")
	case CodecWAV:
		args = append(args, "-c:a", "pcm_s16le", "-f", "wav")
	case CodecMP3:
		br := out.Bitrate
		if br <= 0 {
			br = defaultMP3Bitrate
		}
		args = append(args, "-c:a", "libmp3lame", "-b:a", strconv.Itoa(br)+"k", "-f", "mp3")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, out.Codec)
	}
	return append(args, "-y", dst), nil
}

func (f *FFmpeg) command(ctx context.Context, in Format, out Target, dst string) (*exec.Cmd, *bytes.Buffer, error) {
	oargs, err := outputArgs(out, dst)
	if err != nil {
		return nil, nil, err
	}
	cmd := exec.CommandContext(ctx, f.binary, append(inputArgs(in), oargs...)...)
	cmd.WaitDelay = 2 * time.Second
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return cmd, stderr, nil
}

// File implements [Engine].
func (f *FFmpeg) File(ctx context.Context, in Format, out Target, pcm []byte, path string) (err error) {
	inv := Invocation{Engine: f.Name(), Path: path, Target: out}
	started := f.hooks.start(inv)
	defer func() { f.hooks.finish(inv, started, err) }()

	part := path + PartSuffix
	cmd, stderr, err := f.command(ctx, in, out, part)
	if err != nil {
		return err
	}
	cmd.Stdin = bytes.NewReader(pcm)
	return commit(part, path, f.wrap(cmd.Run(), stderr))
}

// Stream implements [Engine].
func (f *FFmpeg) Stream(ctx context.Context, in Format, out Target, src io.Reader) (io.ReadCloser, error) {
	inv := Invocation{Engine: f.Name(), Target: out}
	started := f.hooks.start(inv)

	cmd, stderr, err := f.command(ctx, in, out, "pipe:1")
	if err != nil {
		f.hooks.finish(inv, started, err)
		return nil, err
	}
	cmd.Stdin = src
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		err = fmt.Errorf("transcode: ffmpeg stdout: %w", err)
		f.hooks.finish(inv, started, err)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("transcode: start ffmpeg: %w", err)
		f.hooks.finish(inv, started, err)
		return nil, err
	}
	return &procReader{
		r: stdout,
		wait: func() error {
			return f.wrap(cmd.Wait(), stderr)
		},
		kill: func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		},
		done: func(err error) { f.hooks.finish(inv, started, err) },
	}, nil
}

func (f *FFmpeg) wrap(err error, stderr *bytes.Buffer) error {
	if err == nil {
		return nil
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("transcode: ffmpeg: %w: %s", err, msg)
	}
	return fmt.Errorf("transcode: ffmpeg: %w", err)
}

// procReader reads a child's stdout and reaps the process exactly once, at
// EOF or on Close.
type procReader struct {
	r    io.Reader
	wait func() error
	kill func()
	done func(error)

	once sync.Once
	err  error
}

func (p *procReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err == io.EOF {
		if werr := p.finish(false); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (p *procReader) Close() error {
	return p.finish(true)
}

func (p *procReader) finish(abort bool) error {
	p.once.Do(func() {
		if abort {
			p.kill()
			_ = p.wait()
			p.done(nil)
			return
		}
		p.err = p.wait()
		p.done(p.err)
	})
	return p.err
}
