package transfer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SanitizeFilename treats name as a single path component: any separator
// (forward or backward slash), any ".." component, a leading "/", or an
// embedded NUL byte is rejected outright, matching spec.md §9's normative
// requirement that the offered filename never be allowed to address
// anything outside the output directory.
func SanitizeFilename(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("transfer: empty filename")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("transfer: filename contains a null byte")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("transfer: filename %q is an absolute path", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("transfer: filename %q contains a path separator", name)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("transfer: filename %q escapes the output directory", name)
	}
	return name, nil
}
