package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("x") }})
	code, body := serve(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	t.Parallel()
	h := New(
		Checker{Name: "gateway", Check: func(context.Context) error { return nil }},
		Checker{Name: "recordings", Check: func(context.Context) error { return nil }},
	)
	code, body := serve(t, h, "/readyz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, body.Status)
	}
	if len(body.Checks) != 2 || body.Checks["gateway"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_OneFails(t *testing.T) {
	t.Parallel()
	h := New(
		Checker{Name: "gateway", Check: func(context.Context) error { return nil }},
		Checker{Name: "recordings", Check: func(context.Context) error { return errors.New("disk full") }},
	)
	code, body := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Errorf("got %d %q, want 503 fail", code, body.Status)
	}
	if body.Checks["recordings"] != "fail: disk full" {
		t.Errorf("recordings = %q", body.Checks["recordings"])
	}
	if body.Checks["gateway"] != "ok" {
		t.Errorf("gateway = %q", body.Checks["gateway"])
	}
}

func TestReadyz_CheckHasDeadline(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "deadline", Check: func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if !ok || time.Until(dl) > checkTimeout {
			return errors.New("missing deadline")
		}
		return nil
	}})
	if code, body := serve(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("got %d, checks %v", code, body.Checks)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()
	if code, _ := serve(t, New(), "/readyz"); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
}

func TestDirWritable(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "recordings")
	c := DirWritable("recordings", dir)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("check file left behind: %v", entries)
	}
}

func TestDirWritable_NotADirectory(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := DirWritable("x", file).Check(context.Background()); err == nil {
		t.Fatal("expected error for non-directory, got nil")
	}
}

func TestConnected(t *testing.T) {
	t.Parallel()
	up := false
	c := Connected("gateway", func() bool { return up })
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error while down")
	}
	up = true
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("unexpected error while up: %v", err)
	}
}
