package upload

import (
	"fmt"
	"strings"

	"github.com/mediaq/mediaq/internal/domain"
)

const maxFilenameLen = 200

// SanitizeFilename reduces name to a safe base name: path components are
// dropped, anything outside [A-Za-z0-9._-] becomes '_', and leading dots or
// underscores are stripped so the result can never be hidden or traverse.
func SanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	clean := strings.TrimLeft(b.String(), "._")
	clean = strings.TrimRight(clean, "_")
	if len(clean) > maxFilenameLen {
		clean = clean[len(clean)-maxFilenameLen:]
		clean = strings.TrimLeft(clean, "._")
	}
	if clean == "" {
		return "", fmt.Errorf("%w: filename %q has no usable characters", domain.ErrValidation, name)
	}
	return clean, nil
}
