package acestep

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when the bridge process is gone. Handles obtained
// before the bridge exited can't be used anymore.
var ErrClosed = errors.New("acestep: bridge closed")

// InitOptions are the arguments of the DiT service initialization.
type InitOptions struct {
	ProjectRoot       string `json:"project_root"`
	ConfigPath        string `json:"config_path"`
	Device            string `json:"device"`
	UseFlashAttention bool   `json:"use_flash_attention"`
	CompileModel      bool   `json:"compile_model"`
	OffloadToCPU      bool   `json:"offload_to_cpu"`
	OffloadDiTToCPU   bool   `json:"offload_dit_to_cpu"`
}

// Params is the parameter record passed to the generation entry point.
type Params struct {
	TaskType           string  `json:"task_type"`
	SrcAudio           string  `json:"src_audio"`
	AudioCoverStrength float64 `json:"audio_cover_strength"`
	Caption            string  `json:"caption"`
	Lyrics             string  `json:"lyrics"`
	Instrumental       bool    `json:"instrumental"`
	BPM                *int    `json:"bpm"`
	KeyScale           string  `json:"keyscale"`
	Duration           float64 `json:"duration"`
	InferenceSteps     int     `json:"inference_steps"`
	Seed               int64   `json:"seed"`
	Shift              float64 `json:"shift"`
	Thinking           bool    `json:"thinking"`
	InferMethod        string  `json:"infer_method"`
}

// GenerationConfig is the config record passed to the generation entry point.
type GenerationConfig struct {
	BatchSize     int    `json:"batch_size"`
	AudioFormat   string `json:"audio_format"`
	UseRandomSeed bool   `json:"use_random_seed"`
}

// Audio describes one produced audio file.
type Audio struct {
	Path string `json:"path"`
	Seed *int64 `json:"seed,omitempty"`
}

// Result is the outcome reported by the model library. A failed generation
// is not a Go error: Success is false and Error holds the library message.
// Exception is set when the library raised instead of reporting a failure.
type Result struct {
	Success   bool
	Error     string
	Exception bool
	Audios    []Audio
}

// DiT is the handle of an initialized diffusion transformer service.
type DiT struct {
	bridge int
	status string
}

// Status returns the message reported when the service was initialized.
func (d *DiT) Status() string {
	return d.status
}

// LLM is the language model handle. Cover mode doesn't need it, so it is
// constructed but never initialized.
type LLM struct {
	Initialized bool
}

// Handles groups the model handles required by Generate.
type Handles struct {
	DiT *DiT
	LLM *LLM
}

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type generateRequest struct {
	Params  Params           `json:"params"`
	Config  GenerationConfig `json:"config"`
	SaveDir string           `json:"save_dir"`
}

type response struct {
	ID        uint64  `json:"id"`
	OK        bool    `json:"ok"`
	Status    string  `json:"status"`
	Error     string  `json:"error"`
	Exception bool    `json:"exception"`
	Audios    []Audio `json:"audios"`
}

// initError is returned when the library reports an unsuccessful
// initialization.
type initError struct {
	status string
}

func (e *initError) Error() string {
	return fmt.Sprintf("acestep: initialization failed: %s", e.status)
}
