package relay

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const maxFilenameLength = 128

// SanitizeFilename reduces a client-supplied filename to a safe display name.
// The result is never used as a filesystem path or storage key; those are
// always server-generated. Path separators, traversal segments, and control
// characters are stripped, the name is NFKC-normalized, and an empty result
// falls back to "recording".
func SanitizeFilename(name string) string {
	normalized := norm.NFKC.String(name)
	normalized = strings.ReplaceAll(normalized, "\\", "/")
	normalized = path.Base(path.Clean("/" + normalized))

	var b strings.Builder
	for _, r := range normalized {
		switch {
		case r < 0x20 || r == 0x7F:
			continue
		case r == '/' || r == '\\':
			continue
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return "recording"
	}
	if len(cleaned) > maxFilenameLength {
		cleaned = cleaned[:maxFilenameLength]
	}
	return cleaned
}

// FileExtension returns the lowercase extension of a sanitized filename
// including the dot, or an empty string when none exists.
func FileExtension(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "." {
		return ""
	}
	return ext
}
