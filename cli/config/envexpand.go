// Package config handles YAML config file loading for oaiharvest.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
//   - ${VAR} expands to the env var value, or empty string if unset
//   - ${VAR:-default} expands to the env var value, or "default" if unset/empty
//   - ${VAR:?message} expands to the env var value, or fails with message
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// ExpandEnv replaces the environment patterns in input with their values.
// Unset variables without a default expand to the empty string; the
// ${VAR:?message} form makes them an error instead, for secrets such as
// the ticket token.
func ExpandEnv(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, op, arg := groups[1], groups[2], groups[3]

		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		switch op {
		case "-":
			return arg
		case "?":
			msg := arg
			if msg == "" {
				msg = "not set"
			}
			missing = append(missing, fmt.Sprintf("%s: %s", name, msg))
		}
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("required environment variables: %s", strings.Join(missing, "; "))
	}
	return out, nil
}
