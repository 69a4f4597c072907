package domain

import "time"

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// IsValid reports whether the role is one of the known roles.
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message represents a single question or answer within a chat. ContextUsed
// holds the formatted retrieval context that grounded an assistant answer.
type Message struct {
	ID          string
	ChatID      string
	Role        MessageRole
	Content     string
	ContextUsed string
	CreatedAt   time.Time
}

// Validate checks message invariants.
func (m *Message) Validate() error {
	if m.ChatID == "" {
		return NewDomainErrorWithCause(ErrCodeValidation, "message chat id is required", ErrMissingRequiredField)
	}
	if !m.Role.IsValid() {
		return ErrInvalidMessageRole
	}
	if m.Content == "" {
		return NewDomainErrorWithCause(ErrCodeValidation, "message content is required", ErrMissingRequiredField)
	}
	return nil
}
