package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/igolaizola/acecover/pkg/cover"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Handler processes a job.
type Handler interface {
	Handle(ctx context.Context, job *cover.Job) cover.Output
}

type Config struct {
	Input  string
	Output string
	// BlockTimeout is how long a single BLPOP waits for a job.
	BlockTimeout time.Duration
	// ErrorWait is how long to wait after a redis error.
	ErrorWait time.Duration
	Debug     bool
}

// Consumer pops jobs from a redis list, one at a time, and pushes the
// responses to another list.
type Consumer struct {
	client  *redis.Client
	handler Handler
	input   string
	output  string
	block   time.Duration
	wait    time.Duration
	debug   func(format string, args ...interface{})
}

func New(client *redis.Client, handler Handler, cfg *Config) *Consumer {
	debug := func(format string, args ...interface{}) {
		if !cfg.Debug {
			return
		}
		format += "\n"
		log.Printf(format, args...)
	}
	block := cfg.BlockTimeout
	if block == 0 {
		block = 20 * time.Second
	}
	wait := cfg.ErrorWait
	if wait == 0 {
		wait = 3 * time.Second
	}
	input := cfg.Input
	if input == "" {
		input = "acecover:jobs"
	}
	output := cfg.Output
	if output == "" {
		output = "acecover:results"
	}
	return &Consumer{
		client:  client,
		handler: handler,
		input:   input,
		output:  output,
		block:   block,
		wait:    wait,
		debug:   debug,
	}
}

// Run consumes jobs until the context is done.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("queue: waiting for jobs on %s\n", c.input)
	for {
		if ctx.Err() != nil {
			log.Println("queue: stopping")
			return nil
		}
		if _, err := c.Next(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("queue: %v (retrying in %s)\n", err, c.wait)
			select {
			case <-ctx.Done():
			case <-time.After(c.wait):
			}
		}
	}
}

// Next waits for one job and processes it. It returns false if no job
// arrived before the block timeout.
func (c *Consumer) Next(ctx context.Context) (bool, error) {
	res, err := c.client.BLPop(ctx, c.block, c.input).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: couldn't pop job: %w", err)
	}
	// BLPOP returns [key, value]
	if len(res) != 2 {
		return false, fmt.Errorf("queue: unexpected pop result %v", res)
	}
	payload := res[1]

	var job cover.Job
	var out cover.Output
	// Numbers are kept as written so large seeds aren't rounded
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&job); err != nil {
		log.Printf("queue: invalid job payload: %v\n", err)
		out = &cover.Failure{Message: fmt.Sprintf("invalid job payload: %v", err)}
	} else {
		if job.ID == "" {
			job.ID = ulid.Make().String()
		}
		job.Source = "queue"
		c.debug("queue: processing job %s", job.ID)
		out = c.handler.Handle(ctx, &job)
	}

	resp := cover.NewResponse(job.ID, out)
	data, err := json.Marshal(resp)
	if err != nil {
		return true, fmt.Errorf("queue: couldn't marshal response %s: %w", job.ID, err)
	}
	// The response is pushed even if the context was cancelled meanwhile
	if err := c.client.RPush(context.WithoutCancel(ctx), c.output, data).Err(); err != nil {
		return true, fmt.Errorf("queue: couldn't push response %s: %w", job.ID, err)
	}
	log.Printf("queue: job %s %s\n", job.ID, resp.Status)
	return true, nil
}

// Submit pushes a job to the input list.
func (c *Consumer) Submit(ctx context.Context, job *cover.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: couldn't marshal job: %w", err)
	}
	if err := c.client.RPush(ctx, c.input, data).Err(); err != nil {
		return fmt.Errorf("queue: couldn't push job: %w", err)
	}
	return nil
}

// Reply is a response as read back from the output list.
type Reply struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
}

// Wait polls the output list until the response for the given job shows up
// and removes it from the list. Other responses are left in place.
func (c *Consumer) Wait(ctx context.Context, id string) (*Reply, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		values, err := c.client.LRange(ctx, c.output, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: couldn't read responses: %w", err)
		}
		for _, v := range values {
			var reply Reply
			if err := json.Unmarshal([]byte(v), &reply); err != nil {
				continue
			}
			if reply.ID != id {
				continue
			}
			if err := c.client.LRem(ctx, c.output, 1, v).Err(); err != nil {
				return nil, fmt.Errorf("queue: couldn't remove response %s: %w", id, err)
			}
			return &reply, nil
		}
		c.debug("queue: waiting for job %s", id)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("queue: job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
