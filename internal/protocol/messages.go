// Package protocol defines the JSON event messages a run can forward to a
// remote collector.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of event message
type MessageType string

const (
	MessageTypeRunStarted      MessageType = "run_started"
	MessageTypeScriptLaunched  MessageType = "script_launched"
	MessageTypeScriptCompleted MessageType = "script_completed"
	MessageTypePollError       MessageType = "poll_error"
	MessageTypeRunFinished     MessageType = "run_finished"
)

// Disposition tells how a script terminated
type Disposition string

const (
	DispositionExited   Disposition = "exited"
	DispositionSignaled Disposition = "signaled"
)

// RunStatus is the overall outcome of a run
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
)

// BaseMessage contains common fields for all message types
type BaseMessage struct {
	Type      MessageType `json:"type"`
	RunID     string      `json:"run_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// RunStartedMessage is sent once before the first script is launched
type RunStartedMessage struct {
	BaseMessage
	Scripts    []string `json:"scripts"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
}

// ScriptLaunchedMessage is sent for every child that was started
type ScriptLaunchedMessage struct {
	BaseMessage
	Slot   int    `json:"slot"`
	Script string `json:"script"`
	PID    int    `json:"pid"`
}

// ScriptCompletedMessage is sent for every reaped child. Stderr carries the
// sidecar contents verbatim and is base64 encoded on the wire.
type ScriptCompletedMessage struct {
	BaseMessage
	Slot        int         `json:"slot"`
	Script      string      `json:"script"`
	PID         int         `json:"pid"`
	Disposition Disposition `json:"disposition"`
	ExitCode    int         `json:"exit_code"`
	Signal      *int        `json:"signal,omitempty"`
	Stderr      []byte      `json:"stderr"`
	RuntimeMS   int64       `json:"runtime_ms"`
}

// PollErrorMessage is sent when a status query for a live child fails
type PollErrorMessage struct {
	BaseMessage
	Slot  int    `json:"slot"`
	PID   int    `json:"pid"`
	Error string `json:"error"`
}

// RunFinishedMessage is sent once after supervision ends
type RunFinishedMessage struct {
	BaseMessage
	Status    RunStatus `json:"status"`
	Launched  int       `json:"launched"`
	Reaped    int       `json:"reaped"`
	Signaled  int       `json:"signaled"`
	NonZero   int       `json:"non_zero"`
	ErrorCode string    `json:"error_code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ParseMessage parses a raw JSON message into the appropriate struct
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to parse base message: %w", err)
	}

	var msg interface{}
	switch base.Type {
	case MessageTypeRunStarted:
		msg = &RunStartedMessage{}
	case MessageTypeScriptLaunched:
		msg = &ScriptLaunchedMessage{}
	case MessageTypeScriptCompleted:
		msg = &ScriptCompletedMessage{}
	case MessageTypePollError:
		msg = &PollErrorMessage{}
	case MessageTypeRunFinished:
		msg = &RunFinishedMessage{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to parse %s message: %w", base.Type, err)
	}
	return msg, nil
}

// SerializeMessage serializes a message struct to JSON
func SerializeMessage(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return data, nil
}

// ValidateMessage performs basic validation on a message
func ValidateMessage(msg interface{}) error {
	switch m := msg.(type) {
	case *RunStartedMessage:
		if err := m.validateBase(MessageTypeRunStarted); err != nil {
			return err
		}
		if len(m.Scripts) == 0 {
			return fmt.Errorf("scripts are required")
		}

	case *ScriptLaunchedMessage:
		if err := m.validateBase(MessageTypeScriptLaunched); err != nil {
			return err
		}
		if m.Script == "" {
			return fmt.Errorf("script is required")
		}
		if m.PID <= 0 {
			return fmt.Errorf("pid must be positive")
		}

	case *ScriptCompletedMessage:
		if err := m.validateBase(MessageTypeScriptCompleted); err != nil {
			return err
		}
		if m.Script == "" {
			return fmt.Errorf("script is required")
		}
		switch m.Disposition {
		case DispositionExited:
			if m.Signal != nil {
				return fmt.Errorf("signal must be empty for an exited script")
			}
		case DispositionSignaled:
			if m.Signal == nil {
				return fmt.Errorf("signal is required when disposition is signaled")
			}
		default:
			return fmt.Errorf("disposition must be exited or signaled")
		}

	case *PollErrorMessage:
		if err := m.validateBase(MessageTypePollError); err != nil {
			return err
		}
		if m.Error == "" {
			return fmt.Errorf("error is required")
		}

	case *RunFinishedMessage:
		if err := m.validateBase(MessageTypeRunFinished); err != nil {
			return err
		}
		if m.Status != RunStatusCompleted && m.Status != RunStatusAborted {
			return fmt.Errorf("status must be completed or aborted")
		}
		if m.Reaped > m.Launched {
			return fmt.Errorf("reaped count exceeds launched count")
		}

	default:
		return fmt.Errorf("unknown message type for validation")
	}

	return nil
}

func (b *BaseMessage) validateBase(expected MessageType) error {
	if b.Type != expected {
		return fmt.Errorf("invalid message type %q, expected %q", b.Type, expected)
	}
	if b.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	return nil
}

// Helper functions to create common messages

func newBase(msgType MessageType, runID string) BaseMessage {
	return BaseMessage{
		Type:      msgType,
		RunID:     runID,
		Timestamp: time.Now(),
	}
}

// NewRunStartedMessage creates a new run started message
func NewRunStartedMessage(runID string, scripts []string, workingDir, hostname string) *RunStartedMessage {
	return &RunStartedMessage{
		BaseMessage: newBase(MessageTypeRunStarted, runID),
		Scripts:     scripts,
		WorkingDir:  workingDir,
		Hostname:    hostname,
	}
}

// NewScriptLaunchedMessage creates a new script launched message
func NewScriptLaunchedMessage(runID string, slot int, script string, pid int) *ScriptLaunchedMessage {
	return &ScriptLaunchedMessage{
		BaseMessage: newBase(MessageTypeScriptLaunched, runID),
		Slot:        slot,
		Script:      script,
		PID:         pid,
	}
}

// NewScriptCompletedMessage creates a new script completed message. signal
// is only set for signaled scripts.
func NewScriptCompletedMessage(runID string, slot int, script string, pid int, exitCode int, signal *int, stderr []byte, runtime time.Duration) *ScriptCompletedMessage {
	disposition := DispositionExited
	if signal != nil {
		disposition = DispositionSignaled
	}
	return &ScriptCompletedMessage{
		BaseMessage: newBase(MessageTypeScriptCompleted, runID),
		Slot:        slot,
		Script:      script,
		PID:         pid,
		Disposition: disposition,
		ExitCode:    exitCode,
		Signal:      signal,
		Stderr:      stderr,
		RuntimeMS:   runtime.Milliseconds(),
	}
}

// NewPollErrorMessage creates a new poll error message
func NewPollErrorMessage(runID string, slot, pid int, err error) *PollErrorMessage {
	return &PollErrorMessage{
		BaseMessage: newBase(MessageTypePollError, runID),
		Slot:        slot,
		PID:         pid,
		Error:       err.Error(),
	}
}

// NewRunFinishedMessage creates a new run finished message
func NewRunFinishedMessage(runID string, status RunStatus, launched, reaped, signaled, nonZero int) *RunFinishedMessage {
	return &RunFinishedMessage{
		BaseMessage: newBase(MessageTypeRunFinished, runID),
		Status:      status,
		Launched:    launched,
		Reaped:      reaped,
		Signaled:    signaled,
		NonZero:     nonZero,
	}
}

// WithError records why an aborted run stopped
func (m *RunFinishedMessage) WithError(code, message string) *RunFinishedMessage {
	m.ErrorCode = code
	m.Message = message
	return m
}
