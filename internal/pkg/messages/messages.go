package messages

import (
	amessages "github.com/airenas/async-api/pkg/messages"
)

const (
	st = "SCRIBE/"
	// Work queue name, worker pool listens here
	Work = st + "Work"
	// Transcribe message type
	Transcribe = Work + ":transcribe"
	// Fail message type - finalize failed job
	Fail = Work + ":fail"
	// StatusChange queue name
	StatusChange = st + "StatusChange"
	// Inform queue name
	Inform = st + "Inform"
)

// JobMessage main message passing through in scribe system
type JobMessage struct {
	amessages.QueueMessage
	UserID string `json:"userID,omitempty"`
}

// FailMessage asks to finalize failed job
type FailMessage struct {
	amessages.QueueMessage
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// NewMessageFrom creates a copy of a message
func NewMessageFrom(m *JobMessage) *JobMessage {
	return &JobMessage{QueueMessage: m.QueueMessage, UserID: m.UserID}
}
