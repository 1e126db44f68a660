package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSuffixes is the script suffix policy of the CLI and HTTP wrappers.
// The workflow executor relaxes it via AnySuffix. The suffix is an allow-list
// only and never selects an interpreter: scripts are exec'd directly, so a
// .py script must carry the exec bit and a shebang.
var DefaultSuffixes = []string{".py", ".pyw"}

// AnySuffix disables the suffix check.
var AnySuffix = []string{"*"}

// ValidatePath canonicalises path and enforces the execution policy: the
// path must name an existing regular file, contain no NUL byte, resolve
// (following symlinks) inside allowRoot when one is configured, and carry an
// allowed suffix. It returns the resolved path.
func ValidatePath(path, allowRoot string, suffixes []string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("script path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("script path contains NUL byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("script not found: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat script: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("script %s is not a regular file", path)
	}
	if allowRoot != "" {
		rootResolved, err := filepath.EvalSymlinks(allowRoot)
		if err != nil {
			return "", fmt.Errorf("resolve allow root: %w", err)
		}
		rel, err := filepath.Rel(rootResolved, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("script %s escapes allowed root %s", path, allowRoot)
		}
	}
	if suffixes == nil {
		suffixes = DefaultSuffixes
	}
	if !suffixAllowed(resolved, suffixes) {
		return "", fmt.Errorf("script suffix %q not allowed", filepath.Ext(resolved))
	}
	return resolved, nil
}

func suffixAllowed(path string, suffixes []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range suffixes {
		if s == "*" || strings.ToLower(s) == ext {
			return true
		}
	}
	return false
}
