package work

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/igolaizola/acecover/pkg/cover"
	"github.com/igolaizola/acecover/pkg/queue"
	"github.com/igolaizola/acecover/pkg/worker"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	worker.Config

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Input         string
	Output        string
	Timeout       time.Duration
	MetricsAddr   string
}

// Run consumes jobs from redis until the context is cancelled.
func Run(ctx context.Context, cfg *Config) error {
	log.Println("work: started")
	defer log.Println("work: ended")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	debug := func(format string, args ...interface{}) {
		if !cfg.Debug {
			return
		}
		format += "\n"
		log.Printf(format, args...)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		// Lets cancellation interrupt a blocking pop
		ContextTimeoutEnabled: true,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("work: couldn't connect to redis %s: %w", cfg.RedisAddr, err)
	}
	debug("work: connected to redis %s", cfg.RedisAddr)

	w, err := worker.New(ctx, &cfg.Config)
	if err != nil {
		return fmt.Errorf("work: couldn't create worker: %w", err)
	}
	defer w.Close()

	if cfg.MetricsAddr != "" {
		mux := chi.NewRouter()
		mux.Use(middleware.Recoverer)
		mux.Get("/health", func(rw http.ResponseWriter, r *http.Request) {
			if !w.Models.Loaded() {
				rw.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintln(rw, w.Models.Status().State)
				return
			}
			fmt.Fprintln(rw, "ok")
		})
		mux.Method(http.MethodGet, "/metrics", w.Metrics.Handler())
		server := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: mux,
		}
		go func() {
			log.Printf("work: serving metrics on %s\n", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("work: failed to start metrics server: %v\n", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	var handler queue.Handler = w.Handler
	if cfg.Timeout > 0 {
		handler = &timeoutHandler{handler: w.Handler, timeout: cfg.Timeout}
	}
	consumer := queue.New(client, handler, &queue.Config{
		Input:  cfg.Input,
		Output: cfg.Output,
		Debug:  cfg.Debug,
	})
	return consumer.Run(ctx)
}

// timeoutHandler bounds the time spent on each job.
type timeoutHandler struct {
	handler queue.Handler
	timeout time.Duration
}

func (h *timeoutHandler) Handle(ctx context.Context, job *cover.Job) cover.Output {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.handler.Handle(ctx, job)
}
