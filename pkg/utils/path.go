package utils

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned for paths with a ".." segment.
var ErrPathTraversal = errors.New("path contains directory traversal")

// SplitDevicePath splits a slash separated device path into its
// components. Empty segments are dropped, so "/", "" and "//" all yield
// no components. A ".." segment or an embedded NUL is rejected.
//
// Example usage:
//
//	parts, err := SplitDevicePath("/DCIM/100CANON/IMG_0001.JPG")
//	// parts == []string{"DCIM", "100CANON", "IMG_0001.JPG"}
func SplitDevicePath(path string) ([]string, error) {
	if strings.IndexByte(path, 0) >= 0 {
		return nil, fmt.Errorf("path contains NUL byte: %q", path)
	}

	raw := strings.Split(path, "/")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		switch p {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("%w: %s", ErrPathTraversal, path)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// JoinDevicePath builds an absolute device path from components.
func JoinDevicePath(parts ...string) string {
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return "/" + strings.Join(nonEmpty, "/")
}

// SecureJoin safely joins path elements and ensures the result stays within the base directory.
// Unlike filepath.Join, this function validates that the result doesn't escape the base through
// directory traversal.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("%w: escapes base directory %s", ErrPathTraversal, base)
	}

	return fullPath, nil
}
