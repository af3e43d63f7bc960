package cover

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"runtime/debug"
	"time"

	"github.com/igolaizola/acecover/pkg/acestep"
	"github.com/igolaizola/acecover/pkg/lifecycle"
	"github.com/igolaizola/acecover/pkg/storage"
	"github.com/oklog/ulid/v2"
)

// Models provides the loaded model handles.
type Models interface {
	Ensure(ctx context.Context) (*acestep.Handles, error)
	Loaded() bool
	Reset(reason string)
}

// Engine runs the generation entry point.
type Engine interface {
	Generate(ctx context.Context, h *acestep.Handles, params acestep.Params, cfg acestep.GenerationConfig, saveDir string) (*acestep.Result, error)
}

// Archive keeps a copy of the produced audio.
type Archive interface {
	SetWAV(ctx context.Context, path, id string) error
}

// History records processed jobs.
type History interface {
	SetJob(ctx context.Context, v *storage.Job) error
}

// Observer receives job and inference timings.
type Observer interface {
	ObserveJob(source, result string, elapsed time.Duration)
	ObserveInference(elapsed time.Duration)
}

type Config struct {
	Version string
	// TempDir is where reference clips and outputs are staged. Empty means
	// the default temp directory.
	TempDir string
	Debug   bool

	Models Models
	Engine Engine

	// Optional
	Archive  Archive
	History  History
	Observer Observer
}

// Handler processes cover jobs one at a time.
type Handler struct {
	version  string
	tempDir  string
	models   Models
	engine   Engine
	archive  Archive
	history  History
	observer Observer
	debug    func(format string, args ...interface{})

	// sem holds a token while a job uses the model
	sem chan struct{}
	now func() time.Time
}

func New(cfg *Config) *Handler {
	debug := func(format string, args ...interface{}) {
		if !cfg.Debug {
			return
		}
		format += "\n"
		log.Printf(format, args...)
	}
	return &Handler{
		version:  cfg.Version,
		tempDir:  cfg.TempDir,
		models:   cfg.Models,
		engine:   cfg.Engine,
		archive:  cfg.Archive,
		history:  cfg.History,
		observer: cfg.Observer,
		debug:    debug,
		sem:      make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Handle runs a job and returns its output. Errors are reported as a
// *Failure output, never as a panic.
func (h *Handler) Handle(ctx context.Context, job *Job) Output {
	start := time.Now()
	if job == nil {
		job = &Job{}
	}

	if IsPing(job.Input) {
		out := h.pong()
		h.finish(ctx, job, nil, out, start)
		return out
	}
	in, err := ParseInput(job.Input)
	if err != nil {
		out := failure("%v", err)
		h.finish(ctx, job, nil, out, start)
		return out
	}

	id := job.ID
	if id == "" {
		id = ulid.Make().String()
	}
	rec := &storage.Job{
		ID:       id,
		Source:   job.Source,
		Prompt:   in.Prompt,
		Params:   in.summary(),
		Seed:     in.Seed,
		Duration: in.Duration,
	}
	out := h.run(ctx, in, rec)
	h.finish(ctx, job, rec, out, start)
	return out
}

func (h *Handler) pong() *Pong {
	now := h.now()
	return &Pong{
		Pong:        true,
		ModelLoaded: h.models.Loaded(),
		Timestamp:   float64(now.Unix()) + float64(now.Nanosecond())/1e9,
		Version:     h.version,
	}
}

func (h *Handler) run(ctx context.Context, in *Input, rec *storage.Job) Output {
	// Validate before touching the model
	ref, err := in.Reference()
	if err != nil {
		return failure("%v", err)
	}
	for _, w := range in.Warnings() {
		log.Printf("cover: %s, passing it through\n", w)
	}

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return failure("Job cancelled: %v", ctx.Err())
	}
	defer func() { <-h.sem }()

	handles, err := h.models.Ensure(ctx)
	if err != nil {
		var loadErr *lifecycle.LoadError
		if errors.As(err, &loadErr) {
			return failure("Model not fully initialized: %s", loadErr.Reason)
		}
		return failure("Model not fully initialized: %v", err)
	}
	return h.generate(ctx, handles, in, ref, rec)
}

func (h *Handler) generate(ctx context.Context, handles *acestep.Handles, in *Input, ref []byte, rec *storage.Job) (out Output) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("cover: inference panic: %v\n%s", r, debug.Stack())
			out = failure("Inference error: %v", r)
		}
	}()

	refPath, err := h.stage(ref)
	if err != nil {
		log.Printf("cover: %v\n", err)
		return failure("Inference error: %v", err)
	}
	defer remove(refPath)

	log.Printf("cover: cover mode: strength=%v steps=%d bpm=%s key=%q duration=%vs ref_size=%dB\n",
		in.AudioCoverStrength, in.InferenceSteps, in.bpm(), in.KeyScale, in.Duration, len(ref))

	saveDir, err := os.MkdirTemp(h.tempDir, "acecover-out-*")
	if err != nil {
		log.Printf("cover: couldn't create output dir: %v\n", err)
		return failure("Inference error: couldn't create output dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(saveDir); err != nil {
			log.Printf("cover: couldn't remove %s: %v\n", saveDir, err)
		}
	}()

	start := time.Now()
	res, err := h.engine.Generate(ctx, handles, in.Params(refPath), in.Config(), saveDir)
	elapsed := time.Since(start)
	if h.observer != nil {
		h.observer.ObserveInference(elapsed)
	}
	log.Printf("cover: generation completed in %.1fs\n", elapsed.Seconds())
	if err != nil {
		if errors.Is(err, acestep.ErrClosed) {
			h.models.Reset(err.Error())
		}
		log.Printf("cover: inference error: %v\n", err)
		return failure("Inference error: %v", err)
	}

	if res.Exception {
		log.Printf("cover: inference error: %s\n", res.Error)
		return failure("Inference error: %s", res.Error)
	}
	if !res.Success {
		return failure("Generation failed: %s", res.Error)
	}
	if len(res.Audios) == 0 {
		return failure("Generation produced no audio outputs")
	}
	audio := res.Audios[0]
	if audio.Path == "" {
		return failure("Output audio not found at: %s", audio.Path)
	}
	b, err := os.ReadFile(audio.Path)
	if errors.Is(err, os.ErrNotExist) {
		return failure("Output audio not found at: %s", audio.Path)
	}
	if err != nil {
		log.Printf("cover: couldn't read %s: %v\n", audio.Path, err)
		return failure("Inference error: couldn't read output audio: %v", err)
	}
	log.Printf("cover: output %s (%d bytes, %.1fs)\n", audio.Path, len(b), elapsed.Seconds())

	seed := in.Seed
	if in.RandomSeed() && audio.Seed != nil {
		seed = *audio.Seed
	}
	success := &Success{
		AudioB64:      base64.StdEncoding.EncodeToString(b),
		Format:        "wav",
		Duration:      in.Duration,
		Seed:          seed,
		InferenceTime: math.Round(elapsed.Seconds()*100) / 100,
	}
	if h.archive != nil {
		if err := h.archive.SetWAV(ctx, audio.Path, rec.ID); err != nil {
			log.Printf("cover: couldn't archive %s: %v\n", rec.ID, err)
		} else {
			success.AudioKey = rec.ID
			h.debug("cover: archived %s", rec.ID)
		}
	}
	rec.Seed = seed
	rec.InferenceTime = success.InferenceTime
	rec.AudioKey = success.AudioKey
	return success
}

// stage writes the reference clip to a unique temp file.
func (h *Handler) stage(ref []byte) (string, error) {
	f, err := os.CreateTemp(h.tempDir, "acecover-ref-*.wav")
	if err != nil {
		return "", fmt.Errorf("cover: couldn't create reference file: %w", err)
	}
	if _, err := f.Write(ref); err != nil {
		_ = f.Close()
		remove(f.Name())
		return "", fmt.Errorf("cover: couldn't write reference file: %w", err)
	}
	if err := f.Close(); err != nil {
		remove(f.Name())
		return "", fmt.Errorf("cover: couldn't close reference file: %w", err)
	}
	return f.Name(), nil
}

func remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("cover: couldn't remove %s: %v\n", path, err)
	}
}

func (h *Handler) finish(ctx context.Context, job *Job, rec *storage.Job, out Output, start time.Time) {
	result := "completed"
	msg, failed := Failed(out)
	switch {
	case failed:
		result = "failed"
		log.Printf("cover: job failed: %s\n", msg)
	case isPong(out):
		result = "pong"
	}
	elapsed := time.Since(start)
	h.debug("cover: job %s %s in %s", job.ID, result, elapsed)
	if h.observer != nil {
		h.observer.ObserveJob(job.Source, result, elapsed)
	}
	if rec == nil || h.history == nil {
		return
	}
	rec.State = storage.Completed
	if failed {
		rec.State = storage.Failed
		rec.Error = msg
	}
	// The job is over, its record is saved even if the caller gave up
	if err := h.history.SetJob(context.WithoutCancel(ctx), rec); err != nil {
		log.Printf("cover: couldn't save job %s: %v\n", rec.ID, err)
	}
}

func isPong(out Output) bool {
	_, ok := out.(*Pong)
	return ok
}

// summary returns the job parameters as JSON. The reference clip is left out.
func (in *Input) summary() string {
	b, err := json.Marshal(in)
	if err != nil {
		return ""
	}
	return string(b)
}
