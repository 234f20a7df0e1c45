package content

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const MaxMessageLength = 4000

const (
	TypeText     = "text"
	TypeMarkdown = "markdown"
	TypeCode     = "code"
)

var (
	ErrEmptyMessage    = errors.New("message cannot be empty")
	ErrMessageTooLong  = fmt.Errorf("message is longer than %d characters", MaxMessageLength)
	ErrUnknownType     = errors.New("unknown content type")
	ErrEmptyChannel    = errors.New("channel id is required")
	errInvalidUsername = errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
)

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateMessage checks outgoing message content before anything is shown
// or queued. Messages with attachments may have empty text.
func ValidateMessage(channelID, text, contentType string, hasAttachments bool) error {
	if channelID == "" {
		return ErrEmptyChannel
	}
	switch contentType {
	case "", TypeText, TypeMarkdown, TypeCode:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownType, contentType)
	}
	if strings.TrimSpace(text) == "" && !hasAttachments {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// Render produces the sanitized HTML preview shown for a message while it is
// still on its way to the server.
func Render(text, contentType string) (string, error) {
	switch contentType {
	case TypeMarkdown:
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(text), &buf); err != nil {
			return "", fmt.Errorf("failed to render markdown: %w", err)
		}
		return Sanitize(buf.String()), nil
	case TypeCode:
		return "<pre><code>" + bluemonday.StrictPolicy().Sanitize(text) + "</code></pre>", nil
	default:
		return Sanitize(text), nil
	}
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errInvalidUsername
	}
	return nil
}
