package dispatcher

import (
	"github.com/stepwire/stepwire/pkg/history"
	"github.com/stepwire/stepwire/pkg/step"
)

// Message kinds on the duplex wire
const (
	KindAgentStep   = "agent_step"
	KindMessageEnd  = "message_end"
	KindAgentError  = "agent_error"
	KindChatHistory = "chat_history"
)

// Message is one server-to-client wire frame. Fields not used by a kind
// are omitted from the encoding.
type Message struct {
	Type      string           `json:"type"`
	StepType  string           `json:"step_type,omitempty"`
	Message   *string          `json:"message,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	ChatID    string           `json:"chat_id,omitempty"`
	Error     string           `json:"error,omitempty"`
	History   *[]history.Record `json:"history,omitempty"`
}

// NewAgentStep builds the frame for one emitted step. The message field is
// always present, empty for variants without display content; clients
// render those as state-only updates.
func NewAgentStep(chatID, runID string, st step.Step) Message {
	content := st.DisplayContent()
	return Message{
		Type:      KindAgentStep,
		StepType:  string(st.Type),
		Message:   &content,
		MessageID: runID,
		ChatID:    chatID,
	}
}

// NewMessageEnd marks normal completion of a run
func NewMessageEnd(chatID, runID string) Message {
	return Message{
		Type:      KindMessageEnd,
		MessageID: runID,
		ChatID:    chatID,
	}
}

// NewAgentError reports a run fault
func NewAgentError(chatID, text string) Message {
	return Message{
		Type:   KindAgentError,
		Error:  text,
		ChatID: chatID,
	}
}

// NewChatHistory carries the full history of a chat. An empty history is
// encoded as an empty array, never omitted.
func NewChatHistory(chatID string, records []history.Record) Message {
	if records == nil {
		records = []history.Record{}
	}
	return Message{
		Type:    KindChatHistory,
		ChatID:  chatID,
		History: &records,
	}
}
