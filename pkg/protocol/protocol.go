// Package protocol is the newline-delimited JSON conversation between the runner and a
// worker. The runner writes a StartRequest followed by Control messages to the worker's
// stdin; the worker answers with Reports on stdout. Every iteration report must be
// acknowledged before the worker continues, so an acknowledged iteration is durable.
package protocol

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"expqueue/pkg/model"
)

type StartRequest struct {
	Key    model.Key              `json:"key"`
	Config model.ExperimentConfig `json:"config"`
	Resume model.ResumePoint      `json:"resume"`
}

type ReportType string

const (
	ReportIteration ReportType = "iteration"
	ReportCompleted ReportType = "completed"
	ReportPaused    ReportType = "paused"
	ReportFailed    ReportType = "failed"
)

type Report struct {
	Type      ReportType             `json:"type"`
	Seq       uint64                 `json:"seq,omitempty"`
	Iteration *model.IterationRecord `json:"iteration,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Terminal reports end the conversation.
func (r Report) Terminal() bool {
	return r.Type == ReportCompleted || r.Type == ReportPaused || r.Type == ReportFailed
}

type ControlType string

const (
	ControlAck   ControlType = "ack"
	ControlPause ControlType = "pause"
)

type Control struct {
	Type ControlType `json:"type"`
	Seq  uint64      `json:"seq,omitempty"`
}

// Encoder writes one JSON message per line. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

func (e *Encoder) Encode(msg interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Wrap(e.enc.Encode(msg), "writing protocol message")
}

// Decoder reads consecutive JSON messages.
type Decoder struct {
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode returns io.EOF unwrapped when the stream ends cleanly.
func (d *Decoder) Decode(msg interface{}) error {
	err := d.dec.Decode(msg)
	if err == io.EOF {
		return err
	}
	return errors.Wrap(err, "reading protocol message")
}
