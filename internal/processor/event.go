package processor

import (
	"time"

	"e2e_core/internal/model"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

type Step uint8

const (
	StepNonceCheck Step = iota + 1
	StepSizeCheck
	StepUnwrap
	StepDecrypt
	StepDecode
	StepValidate
	StepMedia
	StepDeliver
	StepEncode
	StepEncrypt
	StepWrap
)

var stepNames = map[Step]string{
	StepNonceCheck: "nonce_check",
	StepSizeCheck:  "size_check",
	StepUnwrap:     "unwrap",
	StepDecrypt:    "decrypt",
	StepDecode:     "decode",
	StepValidate:   "validate",
	StepMedia:      "media",
	StepDeliver:    "deliver",
	StepEncode:     "encode",
	StepEncrypt:    "encrypt",
	StepWrap:       "wrap",
}

func (s Step) String() string { return stepNames[s] }

type EventKind uint8

const (
	EventStarted EventKind = iota + 1
	EventStepCompleted
	EventSucceeded
	EventRejected
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStepCompleted:
		return "step_completed"
	case EventSucceeded:
		return "succeeded"
	case EventRejected:
		return "rejected"
	}
	return "unknown"
}

// Event is one progress report of a task. Succeeded and Rejected are final;
// every task emits exactly one of them, last.
type Event struct {
	Kind      EventKind
	Direction Direction
	Step      Step
	// Message is set on Succeeded. Outbound tasks also carry the Envelope.
	Message  *model.Message
	Envelope *model.BoxedEnvelope
	Reason   Reason
	Fatal    bool
	Err      error
	// Elapsed is the task run time, set on final events.
	Elapsed time.Duration
}

func (e Event) Final() bool {
	return e.Kind == EventSucceeded || e.Kind == EventRejected
}

// Observer sees every event of every task, e.g. to export metrics. It must not block.
type Observer interface {
	Observe(e Event)
}
