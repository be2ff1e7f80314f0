// Package comms is the best-effort report channel between running jobs and the
// orchestrator: one JSON message per UDP datagram, fire-and-forget, unordered,
// at-most-once. Duplicates and loss are expected; the receiving side never
// lets a datagram corrupt registry state or crash the run.
package comms

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/sweepline-ai/sweepline/pkg/model"
)

// MaxDatagramSize bounds one wire message.
const MaxDatagramSize = 8192

// Kind discriminates the message payloads.
type Kind string

// Constants.

const (
	// KindRegister announces that the job process is up.
	KindRegister Kind = "register"
	// KindProgress carries a fraction-finished estimate in [0, 1].
	KindProgress Kind = "progress"
	// KindIntermediate carries a partial metrics report.
	KindIntermediate Kind = "intermediate_result"
	// KindFinalResult carries the job's final metrics. Required for success.
	KindFinalResult Kind = "final_result"
	// KindResumeRequested asks the orchestrator to checkpoint-and-resubmit.
	KindResumeRequested Kind = "resume_requested"
)

// Message is the wire format. Metrics values may be numeric or string; the
// receiver splits them so numeric aggregation stays typed.
type Message struct {
	JobID     model.JobID            `json:"job_id"`
	Kind      Kind                   `json:"kind"`
	Progress  *float64               `json:"progress,omitempty"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
}

// Encode serializes the message, rejecting oversized payloads.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding message")
	}
	if len(b) > MaxDatagramSize {
		return nil, errors.Errorf("message of %d bytes exceeds datagram limit %d", len(b), MaxDatagramSize)
	}
	return b, nil
}

// DecodeMessage parses one datagram.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, errors.Wrap(err, "error decoding message")
	}
	if m.JobID <= 0 {
		return Message{}, errors.Errorf("message without a valid job id")
	}
	switch m.Kind {
	case KindRegister, KindProgress, KindIntermediate, KindFinalResult, KindResumeRequested:
	default:
		return Message{}, errors.Errorf("unknown message kind %q", m.Kind)
	}
	return m, nil
}

// SplitMetrics separates the numeric payload entries from string annotations.
// Entries of any other type are dropped.
func SplitMetrics(raw map[string]interface{}) (model.Metrics, model.Annotations) {
	var metrics model.Metrics
	var annotations model.Annotations
	for k, v := range raw {
		switch x := v.(type) {
		case float64:
			if metrics == nil {
				metrics = make(model.Metrics)
			}
			metrics[k] = x
		case string:
			if annotations == nil {
				annotations = make(model.Annotations)
			}
			annotations[k] = x
		}
	}
	return metrics, annotations
}
