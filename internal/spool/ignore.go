package spool

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName holds extra patterns inside the inbox, one per line.
const IgnoreFileName = ".spoolignore"

// defaultIgnorePatterns are always applied regardless of config or .spoolignore.
var defaultIgnorePatterns = []string{IgnoreFileName, "*.err"}

// IgnoreMatcher checks inbox file names against gitignore-style patterns.
type IgnoreMatcher struct {
	ignore *gitignore.GitIgnore
}

// NewIgnoreMatcher compiles raw pattern strings. Blank lines and lines
// starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	patterns := append([]string{}, defaultIgnorePatterns...)
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, raw)
	}
	return &IgnoreMatcher{ignore: gitignore.CompileIgnoreLines(patterns...)}
}

// Match reports whether the path, relative to the inbox, should be skipped.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	return m.ignore.MatchesPath(filepath.ToSlash(relativePath))
}

// ParseIgnoreFile reads an ignore file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
