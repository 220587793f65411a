// Package assemblyai provides an STT provider backed by the AssemblyAI
// Universal Streaming WebSocket API. It implements the stt.Provider interface.
package assemblyai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	defaultEndpoint    = "wss://streaming.assemblyai.com/v3/ws"
	defaultSampleRate  = 16000
	defaultChunk       = 100 * time.Millisecond
	defaultCloseWait   = 5 * time.Second
	defaultTermination = `{"type":"session-termination"}`
	readLimit          = 1 << 20
)

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL. Useful for regional
// hosts and tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithChunkDuration sets the minimum duration of every outbound audio
// message. Shorter writes are coalesced until this much audio is buffered.
func WithChunkDuration(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.chunk = d
		}
	}
}

// WithTerminationMessage overrides the text message sent on Close.
func WithTerminationMessage(msg string) Option {
	return func(p *Provider) {
		if msg != "" {
			p.termination = msg
		}
	}
}

// WithCloseTimeout bounds how long Close waits for the remote to finish the
// session before the socket is closed.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.closeWait = d
		}
	}
}

// WithLogger sets the logger for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithMetrics records connection attempts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// Provider implements stt.Provider backed by AssemblyAI.
type Provider struct {
	apiKey      string
	endpoint    string
	chunk       time.Duration
	termination string
	closeWait   time.Duration
	log         *slog.Logger
	metrics     *observe.Metrics
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		endpoint:    defaultEndpoint,
		chunk:       defaultChunk,
		termination: defaultTermination,
		closeWait:   defaultCloseWait,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming session. The connection lives until Close is
// called, the remote ends the session, or ctx is cancelled.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}
	wsURL, err := p.buildURL(sr)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	start := time.Now()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	p.metrics.RecordProviderRequest(ctx, "assemblyai", "stream", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	chunkBytes := int(int64(sr*ch*2) * p.chunk.Milliseconds() / 1000)
	chunkBytes -= chunkBytes % (2 * ch)

	s := newSession(ctx, conn, sessionConfig{
		chunkBytes:  max(chunkBytes, 2*ch),
		termination: p.termination,
		closeWait:   p.closeWait,
		log:         p.log,
	})
	return s, nil
}

func (p *Provider) buildURL(sampleRate int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
