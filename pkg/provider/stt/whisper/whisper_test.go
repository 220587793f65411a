package whisper_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MrWong99/voicescribe/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type upload struct {
	filename string
	language string
	model    string
	data     []byte
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText and records every upload.
func newMockServer(t *testing.T, responseText string, status int) (*httptest.Server, func() []upload) {
	t.Helper()
	var (
		mu      sync.Mutex
		uploads []upload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		mu.Lock()
		uploads = append(uploads, upload{
			filename: hdr.Filename,
			language: r.FormValue("language"),
			model:    r.FormValue("model"),
			data:     data,
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []upload {
		mu.Lock()
		defer mu.Unlock()
		return append([]upload(nil), uploads...)
	}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

// ---- TranscribeFile ---------------------------------------------------------

func TestTranscribeFile_UploadsMP3Unchanged(t *testing.T) {
	t.Parallel()

	srv, uploads := newMockServer(t, "  hello world \n", http.StatusOK)
	tr, err := whisper.New(srv.URL+"/", whisper.WithLanguage("de"), whisper.WithModel("small"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := []byte("ID3fake-mp3-bytes")
	path := writeFile(t, "42-1700000000000-chunk0.mp3", payload)

	text, err := tr.TranscribeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want %q", text, "hello world")
	}
	got := uploads()
	if len(got) != 1 {
		t.Fatalf("uploads = %d, want 1", len(got))
	}
	if got[0].filename != "42-1700000000000-chunk0.mp3" {
		t.Errorf("filename = %q", got[0].filename)
	}
	if got[0].language != "de" || got[0].model != "small" {
		t.Errorf("fields = %+v", got[0])
	}
	if !bytes.Equal(got[0].data, payload) {
		t.Error("uploaded data differs from file contents")
	}
}

func TestTranscribeFile_WrapsPCMInWAV(t *testing.T) {
	t.Parallel()

	srv, uploads := newMockServer(t, "ok", http.StatusOK)
	tr, _ := whisper.New(srv.URL)
	path := writeFile(t, "7-1-chunk3.pcm", make([]byte, 960))

	if _, err := tr.TranscribeFile(context.Background(), path); err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	got := uploads()
	if len(got) != 1 {
		t.Fatalf("uploads = %d, want 1", len(got))
	}
	if got[0].filename != "7-1-chunk3.wav" {
		t.Errorf("filename = %q, want 7-1-chunk3.wav", got[0].filename)
	}
	if len(got[0].data) != 44+960 || string(got[0].data[:4]) != "RIFF" {
		t.Errorf("upload is not a wav container (%d bytes)", len(got[0].data))
	}
}

func TestTranscribeFile_ServerError(t *testing.T) {
	t.Parallel()

	srv, _ := newMockServer(t, "", http.StatusInternalServerError)
	tr, _ := whisper.New(srv.URL)
	path := writeFile(t, "a.mp3", []byte("x"))
	if _, err := tr.TranscribeFile(context.Background(), path); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestTranscribeFile_MissingFile(t *testing.T) {
	t.Parallel()

	srv, uploads := newMockServer(t, "", http.StatusOK)
	tr, _ := whisper.New(srv.URL)
	if _, err := tr.TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "nope.mp3")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if n := len(uploads()); n != 0 {
		t.Errorf("uploads = %d, want 0", n)
	}
}

func TestTranscribeFile_CancelledContext(t *testing.T) {
	t.Parallel()

	srv, _ := newMockServer(t, "x", http.StatusOK)
	tr, _ := whisper.New(srv.URL)
	path := writeFile(t, "a.mp3", []byte("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.TranscribeFile(ctx, path); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
