package run

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/igolaizola/acecover/pkg/cover"
	"github.com/igolaizola/acecover/pkg/worker"
	"github.com/oklog/ulid/v2"
)

type Config struct {
	worker.Config

	Job       string
	Reference string
	Output    string
	Prompt    string
	Ping      bool
}

type jobHandler interface {
	Handle(ctx context.Context, job *cover.Job) cover.Output
}

// Run runs a single job and prints its output.
func Run(ctx context.Context, cfg *Config) error {
	job, err := readJob(cfg)
	if err != nil {
		return err
	}

	w, err := worker.New(ctx, &cfg.Config)
	if err != nil {
		return fmt.Errorf("run: couldn't create worker: %w", err)
	}
	defer w.Close()

	return runJob(ctx, w.Handler, job, cfg.Output, os.Stdout)
}

func runJob(ctx context.Context, handler jobHandler, job *cover.Job, output string, stdout io.Writer) error {
	out := handler.Handle(ctx, job)

	if msg, failed := cover.Failed(out); failed {
		return fmt.Errorf("run: job %s failed: %s", job.ID, msg)
	}

	if success, ok := out.(*cover.Success); ok && output != "" {
		b, err := base64.StdEncoding.DecodeString(success.AudioB64)
		if err != nil {
			return fmt.Errorf("run: couldn't decode audio: %w", err)
		}
		if dir := filepath.Dir(output); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("run: couldn't create output folder: %w", err)
			}
		}
		if err := os.WriteFile(output, b, 0644); err != nil {
			return fmt.Errorf("run: couldn't write output %s: %w", output, err)
		}
		log.Printf("run: audio written to %s\n", output)
	}

	// Don't dump the audio to the terminal
	if success, ok := out.(*cover.Success); ok {
		elided := *success
		elided.AudioB64 = fmt.Sprintf("<%d base64 bytes>", len(success.AudioB64))
		out = &elided
	}
	js, err := json.MarshalIndent(cover.NewResponse(job.ID, out), "", "  ")
	if err != nil {
		return fmt.Errorf("run: couldn't marshal output: %w", err)
	}
	fmt.Fprintln(stdout, string(js))
	return nil
}

// readJob builds the job from the job file and the command line overrides.
func readJob(cfg *Config) (*cover.Job, error) {
	job, err := cover.LoadJob(cfg.Job, cfg.Reference)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	if cfg.Prompt != "" {
		job.Input["prompt"] = cfg.Prompt
	}
	if cfg.Ping {
		job.Input["ping"] = true
	}
	if len(job.Input) == 0 {
		return nil, errors.New("run: job file, reference audio or ping is required")
	}
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	job.Source = "cli"
	return job, nil
}
