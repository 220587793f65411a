// Package offline transcribes the batch recordings area.
//
// A [Drainer] lists every finished segment under the recordings directory,
// transcribes each speaker's segments in chronological order and appends the
// text to <transcripts>/<speaker>-batch.log. Transcribed files move to the
// processed/ subdirectory; files that fail stay put for the next drain.
package offline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/internal/transcode"
	"github.com/MrWong99/voicescribe/internal/transcript"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
	"golang.org/x/sync/errgroup"
)

// ProcessedDir is the subdirectory of the recordings area that receives
// transcribed segments.
const ProcessedDir = "processed"

// DefaultConcurrency is the number of speakers transcribed in parallel.
const DefaultConcurrency = 2

var artifactRE = regexp.MustCompile(`^(.+)-(\d+)-chunk(\d+)\.(\w+)$`)

// Artifact is one recorded segment on disk.
type Artifact struct {
	Path      string
	SpeakerID string
	Time      time.Time
	Index     int
}

// ParseArtifact extracts the speaker, cut time and index from a segment file
// name. It reports false for names that are not segment artifacts.
func ParseArtifact(name string) (Artifact, bool) {
	if strings.HasSuffix(name, transcode.PartSuffix) {
		return Artifact{}, false
	}
	m := artifactRE.FindStringSubmatch(name)
	if m == nil {
		return Artifact{}, false
	}
	ms, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Artifact{}, false
	}
	idx, err := strconv.Atoi(m[3])
	if err != nil {
		return Artifact{}, false
	}
	return Artifact{SpeakerID: m[1], Time: time.UnixMilli(ms).UTC(), Index: idx}, true
}

// Config configures a [Drainer].
type Config struct {
	RecordingsDir  string
	TranscriptsDir string
	Transcriber    stt.Transcriber

	// Concurrency bounds how many speakers are transcribed at once. Zero
	// means DefaultConcurrency.
	Concurrency int

	// OnTranscript, if set, is called with every batch log that received
	// new lines during a drain.
	OnTranscript func(ctx context.Context, path string)

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Drainer runs the offline transcription pass. Drains are serialized.
type Drainer struct {
	cfg Config
	log *slog.Logger
	mu  sync.Mutex
}

// New creates a Drainer. RecordingsDir, TranscriptsDir and Transcriber are
// required.
func New(cfg Config) (*Drainer, error) {
	var errs []error
	if cfg.RecordingsDir == "" {
		errs = append(errs, errors.New("offline: recordings directory is required"))
	}
	if cfg.TranscriptsDir == "" {
		errs = append(errs, errors.New("offline: transcripts directory is required"))
	}
	if cfg.Transcriber == nil {
		errs = append(errs, errors.New("offline: transcriber is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Drainer{cfg: cfg, log: l}, nil
}

// BatchLogPath returns the transcript file for a speaker's batch output.
func (d *Drainer) BatchLogPath(speakerID string) string {
	return filepath.Join(d.cfg.TranscriptsDir, speakerID+"-batch.log")
}

// Pending lists the artifacts waiting in the recordings area, grouped by
// speaker and sorted by (time, index).
func (d *Drainer) Pending() (map[string][]Artifact, error) {
	entries, err := os.ReadDir(d.cfg.RecordingsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("offline: list recordings: %w", err)
	}
	bySpeaker := make(map[string][]Artifact)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		a, ok := ParseArtifact(e.Name())
		if !ok {
			continue
		}
		a.Path = filepath.Join(d.cfg.RecordingsDir, e.Name())
		bySpeaker[a.SpeakerID] = append(bySpeaker[a.SpeakerID], a)
	}
	for _, list := range bySpeaker {
		slices.SortFunc(list, func(a, b Artifact) int {
			if c := a.Time.Compare(b.Time); c != 0 {
				return c
			}
			return a.Index - b.Index
		})
	}
	return bySpeaker, nil
}

// Drain transcribes every pending artifact. Per-file failures are logged and
// joined into the returned error; the remaining files are still processed.
func (d *Drainer) Drain(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending, err := d.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		d.log.Debug("offline: nothing to transcribe", "dir", d.cfg.RecordingsDir)
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for speaker, list := range pending {
		g.Go(func() error {
			if err := d.drainSpeaker(ctx, speaker, list); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (d *Drainer) drainSpeaker(ctx context.Context, speaker string, list []Artifact) error {
	out := transcript.NewLog(d.BatchLogPath(speaker))
	log := d.log.With("speaker_id", speaker)
	var (
		errs    []error
		written int
	)
	for _, a := range list {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("offline: %w", err))
			break
		}
		wrote, err := d.process(ctx, log, out, a)
		d.cfg.Metrics.RecordOfflineFile(ctx, err)
		if err != nil {
			log.Error("offline: transcription failed, file kept for next drain", "file", filepath.Base(a.Path), "err", err)
			errs = append(errs, err)
			continue
		}
		if wrote {
			written++
		}
	}
	log.Info("offline: speaker drained", "files", len(list), "lines", written, "failed", len(errs), "transcript", out.Path())
	if written > 0 && d.cfg.OnTranscript != nil {
		d.cfg.OnTranscript(ctx, out.Path())
	}
	return errors.Join(errs...)
}

// process transcribes one artifact, moves it to the processed directory and
// appends its text. The move comes first so a file whose line was written is
// never transcribed again; a failed append moves the file back.
func (d *Drainer) process(ctx context.Context, log *slog.Logger, out *transcript.Log, a Artifact) (wrote bool, err error) {
	name := filepath.Base(a.Path)
	ctx, span := observe.StartSpan(ctx, "offline.transcribe",
		observe.AttrSpeakerID.String(a.SpeakerID),
		observe.AttrChunk.Int(a.Index),
		observe.AttrFile.String(name),
	)
	defer func() { observe.EndSpan(span, err) }()
	log = observe.Logger(ctx, log)

	text, err := d.cfg.Transcriber.TranscribeFile(ctx, a.Path)
	if err != nil {
		return false, fmt.Errorf("offline: transcribe %s: %w", name, err)
	}
	text = strings.TrimSpace(text)

	moved, err := d.moveProcessed(a.Path)
	if err != nil {
		return false, err
	}
	if text == "" {
		log.Debug("offline: segment had no speech", "file", name)
		return false, nil
	}
	if err := out.AppendAt(a.Time, text); err != nil {
		if rerr := os.Rename(moved, a.Path); rerr != nil {
			log.Error("offline: restoring file after failed append", "file", name, "err", rerr)
		}
		return false, fmt.Errorf("offline: %w", err)
	}
	log.Debug("offline: segment transcribed", "file", name, "chars", len(text))
	return true, nil
}

func (d *Drainer) moveProcessed(path string) (string, error) {
	dir := filepath.Join(d.cfg.RecordingsDir, ProcessedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("offline: create processed directory: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("offline: move %s: %w", filepath.Base(path), err)
	}
	return dst, nil
}
