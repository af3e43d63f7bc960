package submit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/igolaizola/acecover/pkg/cover"
	"github.com/igolaizola/acecover/pkg/queue"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Debug         bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Input         string
	Output        string

	Job       string
	Reference string
	Prompt    string
	Ping      bool
	// Wait is how long to wait for the response, zero means don't wait.
	Wait time.Duration
}

// Run pushes a job to the queue and optionally waits for its response.
func Run(ctx context.Context, cfg *Config) error {
	debug := func(format string, args ...interface{}) {
		if !cfg.Debug {
			return
		}
		format += "\n"
		log.Printf(format, args...)
	}

	job, err := cover.LoadJob(cfg.Job, cfg.Reference)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if cfg.Prompt != "" {
		job.Input["prompt"] = cfg.Prompt
	}
	if cfg.Ping {
		job.Input["ping"] = true
	}
	if len(job.Input) == 0 {
		return errors.New("submit: job file, reference audio or ping is required")
	}
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}

	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.RedisAddr,
		Password:              cfg.RedisPassword,
		DB:                    cfg.RedisDB,
		ContextTimeoutEnabled: true,
	})
	defer client.Close()

	q := queue.New(client, nil, &queue.Config{
		Input:  cfg.Input,
		Output: cfg.Output,
		Debug:  cfg.Debug,
	})
	if err := q.Submit(ctx, job); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	log.Printf("submit: job %s queued\n", job.ID)
	if cfg.Wait == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Wait)
	defer cancel()
	resp, err := q.Wait(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	debug("submit: job %s %s", resp.ID, resp.Status)
	fmt.Println(string(resp.Output))
	if resp.Status != cover.StatusCompleted {
		return fmt.Errorf("submit: job %s %s", resp.ID, resp.Status)
	}
	return nil
}
