package staging

import (
	"errors"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrMissingFilename is returned when a requested name has no usable final
// path segment.
var ErrMissingFilename = errors.New("missing filename")

const maxNameBytes = 255

// SanitizeName reduces a requested object name to a safe local file name:
// the final path segment with reserved and control characters removed.
// "../../etc/passwd" becomes "passwd".
func SanitizeName(name string) (string, error) {
	// Treat backslashes as separators so Windows-style names cannot smuggle
	// directory components through.
	normalized := strings.ReplaceAll(name, `\`, "/")
	normalized = strings.TrimRight(normalized, "/")
	if normalized == "" {
		return "", ErrMissingFilename
	}

	base := path.Base(normalized)
	if base == "." || base == ".." || base == "/" {
		return "", ErrMissingFilename
	}

	clean := strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError:
			return -1
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(`/?<>\:*|"`, r):
			return -1
		}
		return r
	}, base)

	clean = strings.TrimRight(clean, ". ")
	clean = truncateUTF8(clean, maxNameBytes)

	if clean == "" || clean == "." || clean == ".." {
		return "", ErrMissingFilename
	}

	return clean, nil
}

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
