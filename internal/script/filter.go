// Package script implements the script-host internals: the source safety
// filter, the re-run counter gate, the pluggable interpreter and the tick
// server loop that cmd/pyexec runs.
package script

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DenyTokens are rejected anywhere in the user source after comment
// stripping. This filter is defence in depth; the real isolation is the
// separate host process.
var DenyTokens = []string{
	"import",
	"read",
	"write",
	"file",
	"exec",
	"eval",
	"socket",
	"http",
	"requests",
	"urllib",
	"sys",
	"traceback",
	"__",
}

// AllowedLibraries are prepended as imports to every accepted script.
var AllowedLibraries = []string{"math", "numpy", "pandas"}

var commentLine = regexp.MustCompile(`(?m)^[ \t]*#.*\n?`)

// IsSourceSafe reports whether the user source passes the deny-list filter.
// Comment lines are stripped first, except lines containing a single-quote,
// which stay in and are scanned like code.
func IsSourceSafe(code string) bool {
	stripped := commentLine.ReplaceAllStringFunc(code, func(line string) string {
		if strings.Contains(line, "'") {
			return line
		}
		return ""
	})

	for _, token := range DenyTokens {
		if strings.Contains(stripped, token) {
			return false
		}
	}
	return true
}

// PrepareSource prepends the allowed-library imports to an accepted script.
func PrepareSource(code string) string {
	var b strings.Builder
	for _, lib := range AllowedLibraries {
		fmt.Fprintf(&b, "import %s\n", lib)
	}
	b.WriteString(code)
	return b.String()
}

// SourcePath returns the user script path for an algorithm id.
func SourcePath(dir, id string) string {
	return filepath.Join(dir, id+".py")
}

// Code reads the user script text.
func Code(dir, id string) (string, error) {
	data, err := os.ReadFile(SourcePath(dir, id))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
