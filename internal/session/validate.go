package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for names that cannot be used as a session directory.
var ErrInvalidName = errors.New("invalid session name")

const maxNameLen = 64

var nameChars = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName checks that name is usable as a directory under BaseDir:
// lowercase letters, digits, '-' and '_', starting with a letter or digit.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidName, name, maxNameLen)
	case !nameChars.MatchString(name):
		return fmt.Errorf("%w: %q must match %s", ErrInvalidName, name, nameChars)
	}
	return nil
}
