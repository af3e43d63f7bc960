package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/igolaizola/acecover/pkg/acestep"
)

// ErrNotLoaded is returned while the model isn't available.
var ErrNotLoaded = errors.New("model not fully initialized")

// LoadError carries the reason of the last failed load. It matches
// ErrNotLoaded.
type LoadError struct {
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%v: %s", ErrNotLoaded, e.Reason)
}

func (e *LoadError) Is(target error) bool {
	return target == ErrNotLoaded
}

type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy decides what happens after a failed load.
type Policy string

const (
	// Retry attempts to load the model again on the next job.
	Retry Policy = "retry"
	// Sticky keeps the first failure until the process restarts.
	Sticky Policy = "sticky"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", Retry:
		return Retry, nil
	case Sticky:
		return Sticky, nil
	default:
		return "", fmt.Errorf("lifecycle: unknown load policy %q (retry, sticky)", s)
	}
}

// Loader initializes the model.
type Loader interface {
	Initialize(ctx context.Context, opts acestep.InitOptions) (*acestep.Handles, string, error)
}

type Config struct {
	Debug  bool
	Model  string
	Root   string
	Device string
	Policy Policy

	// OnLoad is called after every load attempt.
	OnLoad func(elapsed time.Duration, err error)
}

// Status is a snapshot of the manager state.
type Status struct {
	State     State
	LastError string
	Attempts  int
}

// Manager owns the model handles and their load state.
type Manager struct {
	loader Loader
	opts   acestep.InitOptions
	policy Policy
	onLoad func(time.Duration, error)
	debug  func(format string, args ...interface{})

	// load serializes load attempts. mu guards the fields below and is
	// never held during a load.
	load     sync.Mutex
	mu       sync.RWMutex
	state    State
	lastErr  string
	attempts int
	handles  *acestep.Handles
}

func New(loader Loader, cfg *Config) *Manager {
	device := cfg.Device
	if device == "" {
		device = "cuda"
	}
	policy := cfg.Policy
	if policy == "" {
		policy = Retry
	}
	debug := func(format string, args ...interface{}) {
		if !cfg.Debug {
			return
		}
		format += "\n"
		log.Printf(format, args...)
	}
	return &Manager{
		loader: loader,
		opts: acestep.InitOptions{
			ProjectRoot:       cfg.Root,
			ConfigPath:        cfg.Model,
			Device:            device,
			UseFlashAttention: false,
			CompileModel:      false,
			OffloadToCPU:      false,
			OffloadDiTToCPU:   false,
		},
		policy: policy,
		onLoad: cfg.OnLoad,
		debug:  debug,
	}
}

// Ensure returns the model handles, loading the model if needed.
func (m *Manager) Ensure(ctx context.Context) (*acestep.Handles, error) {
	if h, done, err := m.current(); done {
		return h, err
	}

	m.load.Lock()
	defer m.load.Unlock()

	// Another caller may have finished loading while we waited
	if h, done, err := m.current(); done {
		return h, err
	}

	m.mu.Lock()
	m.state = Loading
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	log.Printf("lifecycle: loading model %s (attempt %d)\n", m.opts.ConfigPath, attempt)
	log.Printf("lifecycle: model root %s\n", m.opts.ProjectRoot)
	start := time.Now()

	h, status, err := m.loader.Initialize(ctx, m.opts)
	if err == nil && (h == nil || h.DiT == nil) {
		err = errors.New("dit handler missing after initialization")
	}
	elapsed := time.Since(start)
	if m.onLoad != nil {
		m.onLoad(elapsed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil && ctx.Err() != nil {
		// The caller gave up, the model itself didn't fail
		m.state = Unloaded
		m.lastErr = err.Error()
		log.Printf("lifecycle: model loading interrupted after %.1fs: %v\n", elapsed.Seconds(), err)
		return nil, &LoadError{Reason: m.lastErr}
	}
	if err != nil {
		m.state = Failed
		m.lastErr = err.Error()
		log.Printf("lifecycle: model loading failed after %.1fs: %v\n", elapsed.Seconds(), err)
		return nil, &LoadError{Reason: m.lastErr}
	}
	m.state = Loaded
	m.lastErr = ""
	m.handles = h
	log.Printf("lifecycle: model loaded in %.1fs\n", elapsed.Seconds())
	if status != "" {
		m.debug("lifecycle: %s", status)
	}
	return h, nil
}

// current returns the outcome that doesn't require a load attempt, if any.
func (m *Manager) current() (*acestep.Handles, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.state == Loaded:
		return m.handles, true, nil
	case m.state == Failed && m.policy == Sticky:
		return nil, true, &LoadError{Reason: m.lastErr}
	}
	return nil, false, nil
}

// Preload loads the model ahead of the first job. A failure is logged and
// returned but the manager remains usable.
func (m *Manager) Preload(ctx context.Context) error {
	if _, err := m.Ensure(ctx); err != nil {
		log.Printf("lifecycle: preload failed, jobs will report it: %v\n", err)
		return err
	}
	return nil
}

// Reset discards the handles after the model process went away, so the next
// job loads it again.
func (m *Manager) Reset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Loaded {
		return
	}
	log.Printf("lifecycle: model unloaded: %s\n", reason)
	m.state = Unloaded
	m.handles = nil
}

// Loaded reports whether the model is ready.
func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == Loaded
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:     m.state,
		LastError: m.lastErr,
		Attempts:  m.attempts,
	}
}
