package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genValidEnvKey generates keys made of a letter or underscore followed by word characters.
func genValidEnvKey() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("A", "z", "_", "P"),
		gen.RegexMatch(`[A-Za-z0-9_]{0,40}`),
	).Map(func(parts []interface{}) string {
		return parts[0].(string) + parts[1].(string)
	})
}

func TestPropertyEnvKeyValidation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("well-formed keys are accepted", prop.ForAll(
		func(key string) bool {
			return ValidateEnvKey(key) == nil
		},
		genValidEnvKey(),
	))

	properties.Property("keys starting with a digit are rejected", prop.ForAll(
		func(digit int, rest string) bool {
			key := string(rune('0'+digit)) + rest
			return ValidateEnvKey(key) != nil
		},
		gen.IntRange(0, 9),
		gen.AlphaString(),
	))

	properties.Property("keys containing a separator are rejected", prop.ForAll(
		func(key, sep string) bool {
			return ValidateEnvKey(key+sep+"X") != nil
		},
		genValidEnvKey(),
		gen.OneConstOf("-", " ", "=", ".", "$"),
	))

	properties.TestingRun(t)
}

func TestValidateEnvVars(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		wantErr bool
	}{
		{"empty", nil, false},
		{"valid", map[string]string{"PORT": "3000", "NODE_ENV": "production", "_X": ""}, false},
		{"empty key", map[string]string{"": "x"}, true},
		{"dash", map[string]string{"API-KEY": "x"}, true},
		{"too long key", map[string]string{strings.Repeat("K", MaxEnvKeyLength+1): "x"}, true},
		{"too long value", map[string]string{"BLOB": strings.Repeat("v", MaxEnvValueLength+1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvVars(tt.vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateEnvVars() error = %v, wantErr %v", err, tt.wantErr)
			}
			var fe *FieldError
			if err != nil && !errors.As(err, &fe) {
				t.Errorf("expected *FieldError, got %T", err)
			}
		})
	}
}
