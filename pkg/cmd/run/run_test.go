package run

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/igolaizola/acecover/pkg/cover"
)

type fakeHandler struct {
	job *cover.Job
	out cover.Output
}

func (f *fakeHandler) Handle(ctx context.Context, job *cover.Job) cover.Output {
	f.job = job
	return f.out
}

func TestReadJob(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "full.json")
	if err := os.WriteFile(full, []byte(`{"id": "job-1", "input": {"prompt": "jazz", "seed": 3}}`), 0644); err != nil {
		t.Fatal(err)
	}
	bare := filepath.Join(dir, "bare.json")
	if err := os.WriteFile(bare, []byte(`{"prompt": "lofi", "duration": 60}`), 0644); err != nil {
		t.Fatal(err)
	}
	ref := filepath.Join(dir, "ref.wav")
	if err := os.WriteFile(ref, []byte("RIFF"), 0644); err != nil {
		t.Fatal(err)
	}

	job, err := readJob(&Config{Job: full, Reference: ref})
	if err != nil {
		t.Fatalf("readJob() err = %v; want nil", err)
	}
	if job.ID != "job-1" || job.Input["prompt"] != "jazz" || job.Source != "cli" {
		t.Fatalf("readJob() = %+v; want job-1 with prompt jazz", job)
	}
	if job.Input["reference_audio"] != base64.StdEncoding.EncodeToString([]byte("RIFF")) {
		t.Fatalf("reference_audio = %v; want encoded file", job.Input["reference_audio"])
	}

	job, err = readJob(&Config{Job: bare, Prompt: "override"})
	if err != nil {
		t.Fatalf("readJob() err = %v; want nil", err)
	}
	if job.ID == "" || job.Input["prompt"] != "override" || job.Input["duration"] != float64(60) {
		t.Fatalf("readJob() = %+v; want bare input with prompt override", job)
	}

	if _, err := readJob(&Config{}); err == nil {
		t.Fatalf("readJob() err = nil; want error for empty job")
	}
	if _, err := readJob(&Config{Job: filepath.Join(dir, "missing.json")}); err == nil {
		t.Fatalf("readJob() err = nil; want error for missing file")
	}
}

func TestRunJob(t *testing.T) {
	audio := []byte("RIFF\x04\x00\x00\x00WAVE")
	handler := &fakeHandler{out: &cover.Success{
		AudioB64: base64.StdEncoding.EncodeToString(audio),
		Format:   "wav",
		Duration: 30,
		Seed:     42,
	}}
	output := filepath.Join(t.TempDir(), "out", "cover.wav")
	var stdout bytes.Buffer
	if err := runJob(context.Background(), handler, &cover.Job{ID: "job-1"}, output, &stdout); err != nil {
		t.Fatalf("runJob() err = %v; want nil", err)
	}

	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("ReadFile() err = %v; want nil", err)
	}
	if !bytes.Equal(got, audio) {
		t.Fatalf("output = %q; want %q", got, audio)
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Output struct {
			AudioB64 string `json:"audio_b64"`
			Seed     int64  `json:"seed"`
		} `json:"output"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() err = %v; want nil", err)
	}
	if resp.Status != cover.StatusCompleted || resp.Output.Seed != 42 {
		t.Fatalf("response = %+v; want completed with seed 42", resp)
	}
	if !strings.HasPrefix(resp.Output.AudioB64, "<") {
		t.Fatalf("audio_b64 = %q; want elided", resp.Output.AudioB64)
	}
}

func TestRunJobFailure(t *testing.T) {
	handler := &fakeHandler{out: &cover.Failure{Message: "Generation failed: out of memory"}}
	var stdout bytes.Buffer
	err := runJob(context.Background(), handler, &cover.Job{ID: "job-1"}, "", &stdout)
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("runJob() err = %v; want generation failure", err)
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout = %q; want empty", stdout.String())
	}
}
