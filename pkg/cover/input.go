package cover

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/igolaizola/acecover/pkg/acestep"
	"github.com/mitchellh/mapstructure"
)

// Job is a unit of work as delivered by the queue or the HTTP server.
type Job struct {
	ID    string         `json:"id,omitempty"`
	Input map[string]any `json:"input"`

	// Source names where the job came from (http, queue, cli).
	Source string `json:"-"`
}

// Input holds the recognized job parameters.
type Input struct {
	Ping               bool    `mapstructure:"ping" json:"-"`
	ReferenceAudio     string  `mapstructure:"reference_audio" json:"-"`
	Prompt             string  `mapstructure:"prompt" json:"prompt,omitempty"`
	Lyrics             string  `mapstructure:"lyrics" json:"lyrics"`
	AudioCoverStrength float64 `mapstructure:"audio_cover_strength" json:"audio_cover_strength"`
	InferenceSteps     int     `mapstructure:"inference_steps" json:"inference_steps"`
	BPM                *int    `mapstructure:"bpm" json:"bpm,omitempty"`
	KeyScale           string  `mapstructure:"key_scale" json:"key_scale,omitempty"`
	Duration           float64 `mapstructure:"duration" json:"duration"`
	Seed               int64   `mapstructure:"seed" json:"seed"`
	Shift              float64 `mapstructure:"shift" json:"shift"`
	BatchSize          int     `mapstructure:"batch_size" json:"batch_size"`
}

// DefaultInput returns the parameters used for keys missing from a job.
func DefaultInput() Input {
	return Input{
		Lyrics:             "[Instrumental]",
		AudioCoverStrength: 0.5,
		InferenceSteps:     8,
		Duration:           30,
		Seed:               -1,
		Shift:              3.0,
		BatchSize:          1,
	}
}

// ParseInput decodes a job input mapping on top of the defaults. Numbers may
// be given as JSON numbers or numeric strings, and floats are truncated when
// an integer is expected.
func ParseInput(m map[string]any) (*Input, error) {
	in := DefaultInput()
	if m == nil {
		return &in, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &in,
	})
	if err != nil {
		return nil, fmt.Errorf("cover: couldn't create decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return &in, nil
}

// IsPing reports whether a job input asks for a health check. Only the ping
// key is decoded, so other malformed keys don't hide the request.
func IsPing(m map[string]any) bool {
	v, ok := m["ping"]
	if !ok {
		return false
	}
	var ping bool
	if err := mapstructure.WeakDecode(v, &ping); err != nil {
		return false
	}
	return ping
}

// Instrumental reports whether the lyrics ask for an instrumental track.
func (in *Input) Instrumental() bool {
	switch strings.ToLower(strings.TrimSpace(in.Lyrics)) {
	case "[instrumental]", "[inst]", "":
		return true
	}
	return false
}

// RandomSeed reports whether the model should pick the seed.
func (in *Input) RandomSeed() bool {
	return in.Seed == -1
}

var errEmptyReference = errors.New("reference_audio (base64) is required for cover mode")

// Reference decodes the base64 reference clip. Data URI prefixes and
// whitespace are ignored.
func (in *Input) Reference() ([]byte, error) {
	s := strings.TrimSpace(in.ReferenceAudio)
	if s == "" {
		return nil, errEmptyReference
	}
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, errEmptyReference
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return nil, fmt.Errorf("reference_audio is not valid base64: %w", err)
}

// Params builds the generation parameters for the staged reference clip.
func (in *Input) Params(srcAudio string) acestep.Params {
	return acestep.Params{
		TaskType:           "cover",
		SrcAudio:           srcAudio,
		AudioCoverStrength: in.AudioCoverStrength,
		Caption:            in.Prompt,
		Lyrics:             in.Lyrics,
		Instrumental:       in.Instrumental(),
		BPM:                in.BPM,
		KeyScale:           in.KeyScale,
		Duration:           in.Duration,
		InferenceSteps:     in.InferenceSteps,
		Seed:               in.Seed,
		Shift:              in.Shift,
		Thinking:           false,
		InferMethod:        "ode",
	}
}

func (in *Input) Config() acestep.GenerationConfig {
	return acestep.GenerationConfig{
		BatchSize:     in.BatchSize,
		AudioFormat:   "wav",
		UseRandomSeed: in.RandomSeed(),
	}
}

// Warnings lists parameters outside the range the model is tuned for. They
// are passed through as given.
func (in *Input) Warnings() []string {
	var ws []string
	check := func(name string, v, min, max float64) {
		if v < min || v > max {
			ws = append(ws, fmt.Sprintf("%s=%v outside %v-%v", name, v, min, max))
		}
	}
	check("audio_cover_strength", in.AudioCoverStrength, 0, 1)
	check("duration", in.Duration, 10, 600)
	check("shift", in.Shift, 1, 5)
	if in.BPM != nil {
		check("bpm", float64(*in.BPM), 30, 300)
	}
	if in.BatchSize < 1 {
		ws = append(ws, fmt.Sprintf("batch_size=%d below 1", in.BatchSize))
	}
	return ws
}

func (in *Input) bpm() string {
	if in.BPM == nil {
		return "auto"
	}
	return fmt.Sprintf("%d", *in.BPM)
}
