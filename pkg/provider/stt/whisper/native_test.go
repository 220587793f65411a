package whisper_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voicescribe/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("")
	if err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("/nonexistent/path/to/model.bin")
	if err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNativeTranscribeFile_SilenceProducesNoText(t *testing.T) {
	tr, err := whisper.NewNative(testModelPath(t), whisper.WithNativeLanguage("en"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer tr.Close()

	// One second of 48 kHz mono silence.
	path := filepath.Join(t.TempDir(), "silence.pcm")
	if err := os.WriteFile(path, make([]byte, 96000), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.TranscribeFile(context.Background(), path); err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
}

func TestNativeTranscribeFile_RejectsMP3(t *testing.T) {
	tr, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer tr.Close()

	path := filepath.Join(t.TempDir(), "a.mp3")
	if err := os.WriteFile(path, []byte("ID3"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.TranscribeFile(context.Background(), path); err == nil {
		t.Fatal("expected error for mp3 input")
	}
}
