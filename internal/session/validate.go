package session

import (
	"fmt"
	"regexp"
)

// DefaultProfileName is used when no profile is selected explicitly.
const DefaultProfileName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active profile name: the --profile flag wins,
// otherwise "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	return DefaultProfileName
}
