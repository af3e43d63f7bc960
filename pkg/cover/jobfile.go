package cover

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// LoadJob reads a job from a JSON file holding either a full job or just its
// input mapping. When reference is set, that audio file is embedded as the
// reference clip. Both paths are optional.
func LoadJob(path, reference string) (*Job, error) {
	job := &Job{Input: map[string]any{}}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cover: couldn't read job file: %w", err)
		}
		var raw map[string]any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("cover: couldn't parse job file %s: %w", path, err)
		}
		if input, ok := raw["input"].(map[string]any); ok {
			job.Input = input
			if id, ok := raw["id"].(string); ok {
				job.ID = id
			}
		} else if raw != nil {
			job.Input = raw
		}
	}
	if reference != "" {
		b, err := os.ReadFile(reference)
		if err != nil {
			return nil, fmt.Errorf("cover: couldn't read reference audio: %w", err)
		}
		job.Input["reference_audio"] = base64.StdEncoding.EncodeToString(b)
	}
	return job, nil
}
