package session

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that a session name is safe to use as a directory
// name under ~/.kosu/sessions.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("session name %q must match %s", name, nameRegexp)
	}
	return nil
}
