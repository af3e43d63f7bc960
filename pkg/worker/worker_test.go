package worker

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/igolaizola/acecover/pkg/cover"
	"github.com/igolaizola/acecover/pkg/storage"
)

// TestHelperBridge isn't a real test, it's the fake model bridge started by
// the worker under test.
func TestHelperBridge(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_BRIDGE") != "1" {
		return
	}
	defer os.Exit(0)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				SaveDir string `json:"save_dir"`
				Params  struct {
					SrcAudio string `json:"src_audio"`
					Caption  string `json:"caption"`
				} `json:"params"`
			} `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		resp := map[string]any{"id": req.ID, "ok": true}
		if req.Method == "generate" && req.Params.Params.Caption == "slow" {
			time.Sleep(10 * time.Second)
		}
		if req.Method == "generate" {
			// Echo the reference clip as the generated audio
			b, err := os.ReadFile(req.Params.Params.SrcAudio)
			path := filepath.Join(req.Params.SaveDir, "cover.wav")
			if err == nil {
				err = os.WriteFile(path, b, 0644)
			}
			if err != nil {
				resp["ok"] = false
				resp["error"] = err.Error()
			} else {
				resp["audios"] = []map[string]any{{"path": path, "seed": 7}}
			}
		}
		out, _ := json.Marshal(resp)
		fmt.Println(string(out))
	}
}

func TestWorker(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_BRIDGE", "1")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	w, err := New(ctx, &Config{
		Version:   "test",
		Model:     "acestep-v15-turbo",
		Root:      "/app/acestep",
		BridgeCmd: strings.Join([]string{os.Args[0], "-test.run=^TestHelperBridge$"}, " "),
		TempDir:   t.TempDir(),
		DBType:    "sqlite",
		DBConn:    filepath.Join(dir, "jobs.db"),
		DBMigrate: true,
		FSType:    "local",
		FSConn:    archive,
	})
	if err != nil {
		t.Fatalf("New() err = %v; want nil", err)
	}
	defer w.Close()

	clip := []byte("RIFF\x04\x00\x00\x00WAVE")
	out := w.Handler.Handle(ctx, &cover.Job{
		ID:     "job-1",
		Source: "test",
		Input:  map[string]any{"reference_audio": base64.StdEncoding.EncodeToString(clip)},
	})
	success, ok := out.(*cover.Success)
	if !ok {
		t.Fatalf("Handle() = %#v; want success", out)
	}
	if success.AudioB64 != base64.StdEncoding.EncodeToString(clip) {
		t.Fatalf("Handle() audio = %q; want echoed clip", success.AudioB64)
	}
	if success.Seed != 7 || success.AudioKey != "job-1" {
		t.Fatalf("Handle() = %+v; want seed 7 and audio key job-1", success)
	}
	if !w.Models.Loaded() {
		t.Fatalf("Loaded() = false; want true")
	}

	if _, err := os.Stat(filepath.Join(archive, "job-1.wav")); err != nil {
		t.Fatalf("archived audio err = %v; want nil", err)
	}
	store, err := storage.New("sqlite", filepath.Join(dir, "jobs.db"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	rec, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() err = %v; want nil", err)
	}
	if rec.State != storage.Completed || rec.AudioKey != "job-1" {
		t.Fatalf("GetJob() = %+v; want completed job with audio key", rec)
	}
}

func TestWorkerPreloadAndTimeout(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_BRIDGE", "1")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, err := New(ctx, &Config{
		Version:   "test",
		BridgeCmd: strings.Join([]string{os.Args[0], "-test.run=^TestHelperBridge$"}, " "),
		TempDir:   t.TempDir(),
		Preload:   true,
	})
	if err != nil {
		t.Fatalf("New() err = %v; want nil", err)
	}
	defer w.Close()

	for !w.Models.Loaded() {
		select {
		case <-ctx.Done():
			t.Fatalf("model not loaded after preload")
		case <-time.After(10 * time.Millisecond):
		}
	}
	rec := httptest.NewRecorder()
	w.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if body := rec.Body.String(); !strings.Contains(body, "\nacecover_model_loaded 1\n") {
		t.Fatalf("metrics = %s; want model_loaded 1 after preload", body)
	}

	clip := base64.StdEncoding.EncodeToString([]byte("RIFF\x04\x00\x00\x00WAVE"))
	short, cancelShort := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancelShort()
	out := w.Handler.Handle(short, &cover.Job{ID: "job-1", Input: map[string]any{"reference_audio": clip, "prompt": "slow"}})
	msg, failed := cover.Failed(out)
	if !failed || !strings.HasPrefix(msg, "Inference error: ") {
		t.Fatalf("Handle() = %#v; want inference error", out)
	}
	if w.Models.Loaded() {
		t.Fatalf("Loaded() = true; want false after the bridge was stopped")
	}

	out = w.Handler.Handle(ctx, &cover.Job{ID: "job-2", Input: map[string]any{"reference_audio": clip}})
	if _, ok := out.(*cover.Success); !ok {
		t.Fatalf("Handle() = %#v; want success after timed out job", out)
	}
}

func TestNewInvalidPolicy(t *testing.T) {
	if _, err := New(context.Background(), &Config{LoadPolicy: "sometimes"}); err == nil {
		t.Fatalf("New() err = nil; want error")
	}
}
