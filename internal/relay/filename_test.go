package relay_test

import (
	"strings"
	"testing"

	"opal-relay/internal/relay"
)

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "recording.webm", "recording.webm"},
		{"traversal", "../../etc/passwd", "passwd"},
		{"windows separators", `..\..\secrets\creds.txt`, "creds.txt"},
		{"absolute path", "/var/log/app.webm", "app.webm"},
		{"control characters", "bad\x00name\x1f.webm", "badname.webm"},
		{"leading dots", "...hidden", "hidden"},
		{"whitespace", "  padded.webm  ", "padded.webm"},
		{"empty", "", "recording"},
		{"only separators", "////", "recording"},
		{"only dots", "...", "recording"},
		{"compatibility normalization", "ﬁle.webm", "file.webm"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := relay.SanitizeFilename(tc.input); got != tc.want {
				t.Fatalf("SanitizeFilename(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestSanitizeFilenameTruncatesLongNames(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 500) + ".webm"
	got := relay.SanitizeFilename(long)
	if len(got) > 128 {
		t.Fatalf("sanitized name is %d bytes", len(got))
	}
}

func TestFileExtension(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input string
		want  string
	}{
		{"recording.webm", ".webm"},
		{"RECORDING.WEBM", ".webm"},
		{"archive.tar.gz", ".gz"},
		{"noextension", ""},
		{"trailingdot.", ""},
		{"", ""},
	}

	for _, tc := range cases {
		if got := relay.FileExtension(tc.input); got != tc.want {
			t.Errorf("FileExtension(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
