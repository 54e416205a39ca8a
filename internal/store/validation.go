package store

import (
	"fmt"
	"unicode/utf8"

	"github.com/capitalize-ai/support-session/internal/model"
)

// MaxContentBytes is the largest message body accepted.
const MaxContentBytes = 100000

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("content cannot be empty: %w", ErrInvalidContent)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("content exceeds maximum length: %w", ErrInvalidContent)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("content must be valid UTF-8: %w", ErrInvalidContent)
	}
	return nil
}

// ValidateSender validates the role a local message is sent as.
func ValidateSender(role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown sender %q: %w", role, ErrInvalidContent)
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("conversation ID cannot be empty: %w", ErrConversationNotFound)
	}
	if len(id) > 128 {
		return fmt.Errorf("conversation ID exceeds maximum length: %w", ErrConversationNotFound)
	}
	return nil
}
