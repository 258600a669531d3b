package utils

import (
	"fmt"
	"strings"
)

// ValidateFileName checks that name is usable as a single directory entry:
// non-empty, not a dot entry, and free of separators and NUL bytes.
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("file name cannot be empty")
	case name == "." || name == "..":
		return fmt.Errorf("file name cannot be %q", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("file name contains a path separator or NUL byte: %q", name)
	case len(name) > 255:
		return fmt.Errorf("file name longer than 255 bytes")
	}
	return nil
}
