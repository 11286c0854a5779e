package thread

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max payload
	MaxContentChars = 2000 // max character count for text messages
)

// ValidateContent checks message content against the rules for its type.
// Text messages must carry non-empty valid UTF-8 within the size limits.
// Image and file messages carry an attachment reference in the content
// field, which must be present but is not character-limited prose.
func ValidateContent(content, contentType string) error {
	switch contentType {
	case "text":
		if len(content) == 0 {
			return fmt.Errorf("message text is empty")
		}
		if utf8.RuneCountInString(content) > MaxContentChars {
			return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
		}
	case "image", "file":
		if len(content) == 0 {
			return fmt.Errorf("media message has no attachment reference")
		}
	default:
		return fmt.Errorf("unknown content type %q", contentType)
	}

	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
