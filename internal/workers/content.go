package workers

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmptyContent is returned when the model answered with nothing usable.
	ErrEmptyContent = errors.New("model returned empty content")

	// ErrContentTooLong is returned when the converted page exceeds the configured limit.
	ErrContentTooLong = errors.New("converted content exceeds maximum length")
)

// CleanContent strips a surrounding code fence from model output and
// enforces the length limit. maxLen <= 0 disables the limit.
func CleanContent(raw string, maxLen int) (string, error) {
	content := stripFences(raw)
	if content == "" {
		return "", ErrEmptyContent
	}
	if n := utf8.RuneCountInString(content); maxLen > 0 && n > maxLen {
		return "", fmt.Errorf("%w: %d > %d", ErrContentTooLong, n, maxLen)
	}
	return content, nil
}

// stripFences removes a leading ``` or ```markdown line and a trailing ```.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimLeft(s, "`")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
