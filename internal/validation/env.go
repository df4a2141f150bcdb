// Package validation checks user-supplied values that end up in files or
// process environments on the host.
package validation

import (
	"fmt"
	"regexp"
	"sort"
)

// envKeyRegex matches POSIX-style variable names: a letter or underscore,
// then letters, digits and underscores.
var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MaxEnvKeyLength is the maximum allowed length for an environment variable key.
const MaxEnvKeyLength = 256

// MaxEnvValueLength is the maximum allowed length for an environment variable value (32KB).
const MaxEnvValueLength = 32 * 1024

// FieldError describes one invalid field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateEnvKey checks that key can be written to a .env file and exported to a process.
func ValidateEnvKey(key string) error {
	if key == "" {
		return &FieldError{Field: "key", Message: "environment variable key is required"}
	}
	if len(key) > MaxEnvKeyLength {
		return &FieldError{Field: "key", Message: fmt.Sprintf("key must be %d characters or less", MaxEnvKeyLength)}
	}
	if !envKeyRegex.MatchString(key) {
		return &FieldError{Field: key, Message: "key must start with a letter or underscore and contain only letters, numbers, and underscores"}
	}
	return nil
}

// ValidateEnvValue checks the size of a variable value.
func ValidateEnvValue(key, value string) error {
	if len(value) > MaxEnvValueLength {
		return &FieldError{Field: key, Message: "value must be 32KB or less"}
	}
	return nil
}

// ValidateEnvVars checks every entry of vars and reports the first failure in key order.
func ValidateEnvVars(vars map[string]string) error {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := ValidateEnvKey(k); err != nil {
			return err
		}
		if err := ValidateEnvValue(k, vars[k]); err != nil {
			return err
		}
	}
	return nil
}
