package acestep

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
)

// BinPath is the path to the python binary used to run the embedded bridge
var BinPath = "python3"

//go:embed bridge.py
var bridgeScript []byte

const maxLineSize = 16 * 1024 * 1024

type Config struct {
	// Python is the interpreter running the embedded bridge. Defaults to
	// BinPath.
	Python string
	// Command overrides the bridge command line. When empty the embedded
	// bridge script is run with Python.
	Command []string
	// Env is appended to the current environment of the bridge.
	Env   []string
	Debug bool
}

// Runtime drives the model library through a long-lived bridge process, so
// the model stays resident between jobs.
type Runtime struct {
	cfg *Config

	mu     sync.Mutex
	proc   *process
	bridge int
	seq    uint64
}

// New returns a runtime. The bridge isn't started until Initialize is called.
func New(cfg *Config) *Runtime {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Runtime{cfg: cfg}
}

// Initialize starts the bridge if needed and initializes the DiT service.
// It returns the model handles and the status message reported by the
// library.
func (r *Runtime) Initialize(ctx context.Context, opts InitOptions) (*Handles, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.proc == nil {
		proc, err := r.start()
		if err != nil {
			return nil, "", err
		}
		r.proc = proc
		r.bridge++
	}

	var resp response
	if err := r.call(ctx, "initialize", opts, &resp); err != nil {
		return nil, "", err
	}
	if !resp.OK {
		status := resp.Error
		if status == "" {
			status = resp.Status
		}
		return nil, resp.Status, &initError{status: status}
	}
	return &Handles{
		DiT: &DiT{bridge: r.bridge, status: resp.Status},
		LLM: &LLM{},
	}, resp.Status, nil
}

// Generate runs the generation entry point. Failures reported by the library
// are returned in the result; the error is reserved for bridge failures.
func (r *Runtime) Generate(ctx context.Context, h *Handles, params Params, cfg GenerationConfig, saveDir string) (*Result, error) {
	if h == nil || h.DiT == nil {
		return nil, errors.New("acestep: dit handler is not initialized")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.proc == nil || h.DiT.bridge != r.bridge {
		return nil, ErrClosed
	}

	var resp response
	req := generateRequest{
		Params:  params,
		Config:  cfg,
		SaveDir: saveDir,
	}
	if err := r.call(ctx, "generate", req, &resp); err != nil {
		return nil, err
	}
	return &Result{
		Success:   resp.OK,
		Error:     resp.Error,
		Exception: resp.Exception,
		Audios:    resp.Audios,
	}, nil
}

// Close stops the bridge process.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		return nil
	}
	err := r.proc.kill()
	r.proc = nil
	return err
}

// call must be called with the lock held.
func (r *Runtime) call(ctx context.Context, method string, params any, resp *response) error {
	r.seq++
	id := r.seq
	b, err := json.Marshal(&request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("acestep: couldn't marshal %s request: %w", method, err)
	}
	b = append(b, '\n')
	if _, err := r.proc.stdin.Write(b); err != nil {
		r.abandon()
		return fmt.Errorf("acestep: couldn't write %s request: %w (%w)", method, ErrClosed, err)
	}

	for {
		select {
		case <-ctx.Done():
			// The bridge may still be busy with the request, so its next
			// response can't be trusted. Handles of the killed bridge are
			// stale from now on.
			r.abandon()
			return fmt.Errorf("acestep: %s: %w (%w)", method, ctx.Err(), ErrClosed)
		case line, ok := <-r.proc.lines:
			if !ok {
				r.abandon()
				return fmt.Errorf("acestep: %s: %w", method, ErrClosed)
			}
			var candidate response
			if err := json.Unmarshal(line, &candidate); err != nil {
				if r.cfg.Debug {
					log.Printf("acestep: ignoring bridge output: %s\n", line)
				}
				continue
			}
			if candidate.ID != id {
				if r.cfg.Debug {
					log.Printf("acestep: ignoring response %d (want %d)\n", candidate.ID, id)
				}
				continue
			}
			*resp = candidate
			return nil
		}
	}
}

func (r *Runtime) abandon() {
	if r.proc == nil {
		return
	}
	if err := r.proc.kill(); err != nil {
		log.Printf("acestep: couldn't stop bridge: %v\n", err)
	}
	r.proc = nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	script string
	once   sync.Once
}

func (r *Runtime) start() (*process, error) {
	p := &process{}
	args := r.cfg.Command
	if len(args) == 0 {
		f, err := os.CreateTemp("", "acestep-bridge-*.py")
		if err != nil {
			return nil, fmt.Errorf("acestep: couldn't create bridge script: %w", err)
		}
		if _, err := f.Write(bridgeScript); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, fmt.Errorf("acestep: couldn't write bridge script: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(f.Name())
			return nil, fmt.Errorf("acestep: couldn't close bridge script: %w", err)
		}
		p.script = f.Name()
		python := r.cfg.Python
		if python == "" {
			python = BinPath
		}
		args = []string{python, "-u", p.script}
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.cleanup()
		return nil, fmt.Errorf("acestep: couldn't get stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.cleanup()
		return nil, fmt.Errorf("acestep: couldn't get stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.cleanup()
		return nil, fmt.Errorf("acestep: couldn't get stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		p.cleanup()
		return nil, fmt.Errorf("acestep: couldn't start bridge %q: %w", args[0], err)
	}
	if r.cfg.Debug {
		log.Printf("acestep: bridge started (pid %d)\n", cmd.Process.Pid)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.lines = make(chan []byte)

	go func() {
		defer close(p.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			p.lines <- line
		}
	}()
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			log.Printf("acestep: %s\n", scanner.Text())
		}
	}()
	return p, nil
}

func (p *process) kill() error {
	var err error
	p.once.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.ProcessState == nil {
			_ = p.cmd.Process.Kill()
		}
		// Drain pending output so the reader goroutine can exit.
		go func() {
			for range p.lines {
			}
		}()
		if waitErr := p.cmd.Wait(); waitErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				err = fmt.Errorf("acestep: couldn't wait for bridge: %w", waitErr)
			}
		}
		p.cleanup()
	})
	return err
}

func (p *process) cleanup() {
	if p.script == "" {
		return
	}
	if err := os.Remove(p.script); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("acestep: couldn't remove bridge script: %v\n", err)
	}
}
