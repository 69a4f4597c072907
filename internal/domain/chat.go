package domain

import (
	"strings"
	"time"
)

// Chat represents a conversation bound to a single uploaded document.
// The chat ID doubles as the retrieval scope for the document's chunks.
type Chat struct {
	ID               string
	Title            string
	DocumentFilename string
	StorageKey       string
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	MessageCount     int
}

const maxGeneratedTitleLen = 50

// NewChat creates a Chat for an uploaded document. When title is empty it is
// derived from the document filename, matching the upload flow.
func NewChat(id, title, documentFilename string, now time.Time) *Chat {
	if strings.TrimSpace(title) == "" {
		name := documentFilename
		if len(name) > maxGeneratedTitleLen {
			name = name[:maxGeneratedTitleLen]
		}
		title = "Chat: " + name
	}
	return &Chat{
		ID:               id,
		Title:            title,
		DocumentFilename: documentFilename,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate checks chat invariants.
func (c *Chat) Validate() error {
	if c.ID == "" {
		return NewDomainErrorWithCause(ErrCodeValidation, "chat id is required", ErrMissingRequiredField)
	}
	if strings.TrimSpace(c.Title) == "" {
		return NewDomainErrorWithCause(ErrCodeValidation, "chat title is required", ErrMissingRequiredField)
	}
	return nil
}
