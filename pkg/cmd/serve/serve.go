package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/igolaizola/acecover/pkg/cover"
	"github.com/igolaizola/acecover/pkg/filestore"
	"github.com/igolaizola/acecover/pkg/worker"
	"github.com/oklog/ulid/v2"
)

type Config struct {
	worker.Config

	Addr        string
	Credentials map[string]string
	Timeout     time.Duration
}

// Serve starts the http server and runs jobs received through it.
func Serve(ctx context.Context, cfg *Config) error {
	log.Println("serve: server started")
	defer log.Println("serve: server ended")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := worker.New(ctx, &cfg.Config)
	if err != nil {
		return fmt.Errorf("serve: couldn't create worker: %w", err)
	}
	defer w.Close()

	srv := &server{
		handler: w.Handler,
		models:  w.Models,
		metrics: w.Metrics.Handler(),
		tempDir: cfg.TempDir,
		debug:   cfg.Debug,
	}
	if w.Archive != nil {
		srv.archive = w.Archive
	}
	mux := srv.router(cfg.Credentials, cfg.Timeout)

	// Create server
	split := strings.Split(cfg.Addr, ":")
	if len(split) != 2 {
		return fmt.Errorf("serve: invalid address: %s", cfg.Addr)
	}
	host := split[0]
	port, err := strconv.Atoi(split[1])
	if err != nil {
		return fmt.Errorf("serve: invalid port: %s", split[1])
	}
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}
	go func() {
		note := fmt.Sprintf("http://%s:%d", host, port)
		if host == "" {
			note = fmt.Sprintf("all interfaces http://localhost:%d", port)
		}
		log.Printf("serve: starting server on %s\n", note)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("serve: failed to start server: %v\n", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("serve: couldn't shutdown server: %v\n", err)
	}
	return nil
}

type jobHandler interface {
	Handle(ctx context.Context, job *cover.Job) cover.Output
}

type modelState interface {
	Loaded() bool
}

type audioArchive interface {
	GetWAV(ctx context.Context, path, id string) error
}

type server struct {
	handler jobHandler
	models  modelState
	archive audioArchive
	metrics http.Handler
	tempDir string
	debug   bool
}

func (s *server) router(creds map[string]string, timeout time.Duration) http.Handler {
	mux := chi.NewRouter()

	// Add middleware
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	if timeout > 0 {
		mux.Use(middleware.Timeout(timeout))
	}

	// Probes and metrics stay public
	mux.Get("/health", s.health)
	if s.metrics != nil {
		mux.Method(http.MethodGet, "/metrics", s.metrics)
	}

	mux.Group(func(r chi.Router) {
		if len(creds) > 0 {
			r.Use(middleware.BasicAuth("private", creds))
		}
		if s.debug {
			r.Use(middleware.Logger)
		}
		r.Get("/ping", s.ping)
		r.Post("/runsync", s.runsync)
		if s.archive != nil {
			r.Get("/audio/{id}", s.audio)
		}
	})
	return mux
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"model_loaded": s.models.Loaded(),
	})
}

func (s *server) ping(w http.ResponseWriter, r *http.Request) {
	out := s.handler.Handle(r.Context(), &cover.Job{
		Source: "http",
		Input:  map[string]any{"ping": true},
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *server) runsync(w http.ResponseWriter, r *http.Request) {
	var job cover.Job
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&job); err != nil {
		http.Error(w, fmt.Sprintf("couldn't decode job: %v", err), http.StatusBadRequest)
		return
	}
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	job.Source = "http"

	out := s.handler.Handle(r.Context(), &job)
	resp := cover.NewResponse(job.ID, out)
	log.Printf("serve: job %s %s\n", job.ID, resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) audio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		http.Error(w, "invalid audio id", http.StatusBadRequest)
		return
	}

	f, err := os.CreateTemp(s.tempDir, "acecover-audio-*.wav")
	if err != nil {
		http.Error(w, fmt.Sprintf("couldn't create temp file: %v", err), http.StatusInternalServerError)
		return
	}
	path := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(path) }()

	if err := s.archive.GetWAV(r.Context(), path, id); err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			http.Error(w, "audio not found", http.StatusNotFound)
			return
		}
		log.Printf("serve: couldn't get audio %s: %v\n", id, err)
		http.Error(w, fmt.Sprintf("couldn't get audio: %v", err), http.StatusInternalServerError)
		return
	}
	file, err := os.Open(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("couldn't open audio: %v", err), http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".wav"))
	if _, err := io.Copy(w, file); err != nil {
		log.Printf("serve: couldn't write audio %s: %v\n", id, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("serve: couldn't encode response: %v\n", err)
	}
}
