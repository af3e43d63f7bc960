package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/igolaizola/acecover/pkg/acestep"
)

type fakeLoader struct {
	mu    sync.Mutex
	calls int
	errs  []error
	opts  acestep.InitOptions
}

func (f *fakeLoader) Initialize(ctx context.Context, opts acestep.InitOptions) (*acestep.Handles, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.opts = opts
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, "", err
		}
	}
	return &acestep.Handles{DiT: &acestep.DiT{}, LLM: &acestep.LLM{}}, "ready", nil
}

func (f *fakeLoader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestEnsureLoadsOnce(t *testing.T) {
	loader := &fakeLoader{}
	m := New(loader, &Config{Model: "acestep-v15-turbo", Root: "/app/acestep"})

	if m.Loaded() {
		t.Fatalf("Loaded() = true; want false before first job")
	}
	for i := 0; i < 3; i++ {
		h, err := m.Ensure(context.Background())
		if err != nil {
			t.Fatalf("Ensure() err = %v; want nil", err)
		}
		if h == nil || h.DiT == nil {
			t.Fatalf("Ensure() handles = %v; want dit handler", h)
		}
	}
	if got := loader.Calls(); got != 1 {
		t.Fatalf("Initialize() calls = %d; want 1", got)
	}
	if !m.Loaded() {
		t.Fatalf("Loaded() = false; want true")
	}

	want := acestep.InitOptions{ProjectRoot: "/app/acestep", ConfigPath: "acestep-v15-turbo", Device: "cuda"}
	if loader.opts != want {
		t.Fatalf("Initialize() opts = %+v; want %+v", loader.opts, want)
	}
}

func TestEnsureConcurrentCallersShareLoad(t *testing.T) {
	loader := &fakeLoader{}
	m := New(loader, &Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Ensure(context.Background()); err != nil {
				t.Errorf("Ensure() err = %v; want nil", err)
			}
		}()
	}
	wg.Wait()
	if got := loader.Calls(); got != 1 {
		t.Fatalf("Initialize() calls = %d; want 1", got)
	}
}

func TestEnsurePolicies(t *testing.T) {
	boom := errors.New("no cuda device")
	tests := []struct {
		policy    Policy
		wantCalls int
		wantState State
	}{
		{Retry, 2, Loaded},
		{Sticky, 1, Failed},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			loader := &fakeLoader{errs: []error{boom}}
			m := New(loader, &Config{Policy: tt.policy})

			_, err := m.Ensure(context.Background())
			if !errors.Is(err, ErrNotLoaded) {
				t.Fatalf("Ensure() err = %v; want %v", err, ErrNotLoaded)
			}
			if !strings.Contains(err.Error(), "no cuda device") {
				t.Fatalf("Ensure() err = %v; want loader message", err)
			}
			if got := m.Status(); got.State != Failed || got.LastError != boom.Error() {
				t.Fatalf("Status() = %+v; want failed with last error", got)
			}

			_, err = m.Ensure(context.Background())
			if tt.policy == Sticky && err == nil {
				t.Fatalf("Ensure() err = nil; want sticky failure")
			}
			if tt.policy == Retry && err != nil {
				t.Fatalf("Ensure() err = %v; want nil after retry", err)
			}
			if got := loader.Calls(); got != tt.wantCalls {
				t.Fatalf("Initialize() calls = %d; want %d", got, tt.wantCalls)
			}
			if got := m.Status().State; got != tt.wantState {
				t.Fatalf("Status().State = %s; want %s", got, tt.wantState)
			}
		})
	}
}

type slowLoader struct {
	delay time.Duration
	calls int
}

func (l *slowLoader) Initialize(ctx context.Context, opts acestep.InitOptions) (*acestep.Handles, string, error) {
	l.calls++
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(l.delay):
	}
	return &acestep.Handles{DiT: &acestep.DiT{}, LLM: &acestep.LLM{}}, "ready", nil
}

func TestEnsureInterruptedLoadIsNotSticky(t *testing.T) {
	loader := &slowLoader{delay: 200 * time.Millisecond}
	m := New(loader, &Config{Policy: Sticky})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Ensure(ctx)
	if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Ensure() err = %v; want %v", err, ErrNotLoaded)
	}
	if got := m.Status(); got.State != Unloaded || got.LastError == "" {
		t.Fatalf("Status() = %+v; want unloaded with last error", got)
	}

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() err = %v; want nil after interrupted load", err)
	}
	if loader.calls != 2 {
		t.Fatalf("Initialize() calls = %d; want 2", loader.calls)
	}
	if !m.Loaded() {
		t.Fatalf("Loaded() = false; want true")
	}
}

func TestPreloadFailureKeepsManagerUsable(t *testing.T) {
	loader := &fakeLoader{errs: []error{errors.New("weights missing")}}
	var attempts []error
	m := New(loader, &Config{OnLoad: func(_ time.Duration, err error) {
		attempts = append(attempts, err)
	}})

	if err := m.Preload(context.Background()); err == nil {
		t.Fatalf("Preload() err = nil; want error")
	}
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() err = %v; want nil", err)
	}
	if len(attempts) != 2 || attempts[0] == nil || attempts[1] != nil {
		t.Fatalf("OnLoad() attempts = %v; want [error, nil]", attempts)
	}
}

func TestResetReloads(t *testing.T) {
	loader := &fakeLoader{}
	m := New(loader, &Config{})

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() err = %v; want nil", err)
	}
	m.Reset("bridge exited")
	if m.Loaded() {
		t.Fatalf("Loaded() = true; want false after reset")
	}
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() err = %v; want nil", err)
	}
	if got := loader.Calls(); got != 2 {
		t.Fatalf("Initialize() calls = %d; want 2", got)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", Retry, false},
		{"retry", Retry, false},
		{"sticky", Sticky, false},
		{"forever", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParsePolicy(%q) err = %v; want error %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParsePolicy(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
