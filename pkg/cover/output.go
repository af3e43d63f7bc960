package cover

import "fmt"

// Output is the result of a job: *Success, *Pong or *Failure.
type Output interface {
	output()
}

type Success struct {
	AudioB64      string  `json:"audio_b64"`
	Format        string  `json:"format"`
	Duration      float64 `json:"duration"`
	Seed          int64   `json:"seed"`
	InferenceTime float64 `json:"inference_time"`
	// AudioKey is set when the audio was archived.
	AudioKey string `json:"audio_key,omitempty"`
}

type Pong struct {
	Pong        bool    `json:"pong"`
	ModelLoaded bool    `json:"model_loaded"`
	Timestamp   float64 `json:"timestamp"`
	Version     string  `json:"version"`
}

type Failure struct {
	Message string `json:"error"`
}

func (*Success) output() {}
func (*Pong) output()    {}
func (*Failure) output() {}

// Failed returns the error message if the output is a failure.
func Failed(out Output) (string, bool) {
	f, ok := out.(*Failure)
	if !ok {
		return "", false
	}
	return f.Message, true
}

func failure(format string, args ...interface{}) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...)}
}

// Response wraps an output with the job id and a status, the way the
// synchronous endpoint and the queue answer.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output Output `json:"output"`
}

const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

func NewResponse(id string, out Output) *Response {
	status := StatusCompleted
	if _, failed := Failed(out); failed {
		status = StatusFailed
	}
	return &Response{ID: id, Status: status, Output: out}
}
