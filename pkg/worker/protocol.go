package worker

import "github.com/aima-platform/corral/pkg/types"

// ControlPath is the HTTP path the worker's control endpoint is served on.
// The dispatcher dials ws://<instance-address>/control.
const ControlPath = "/control"

// DefaultControlPort is the port cloud worker images listen on. Local
// harnesses bind an ephemeral port instead.
const DefaultControlPort = 8844

// MessageType discriminates control channel frames.
type MessageType string

// Server → worker.
const (
	MessageStart  MessageType = "start"
	MessageCancel MessageType = "cancel"
	MessagePing   MessageType = "ping"
)

// Worker → server.
const (
	MessageProgress  MessageType = "progress"
	MessageHeartbeat MessageType = "heartbeat"
	MessageCompleted MessageType = "completed"
	MessageFailed    MessageType = "failed"
)

// Message is one JSON text frame on the control channel. Fields beyond Type
// are populated per message type: Job and ResultUploadURI on start, Pct and
// Text on progress, ResultRef on completed, Class and Text on failed.
type Message struct {
	Type MessageType `json:"type"`

	Job             *types.Job `json:"job,omitempty"`
	ResultUploadURI string     `json:"result_upload_uri,omitempty"`

	Pct  int    `json:"pct,omitempty"`
	Text string `json:"message,omitempty"`

	ResultRef string `json:"result_ref,omitempty"`

	// Class is retryable or permanent on failed frames.
	Class string `json:"class,omitempty"`
}
