package config

import (
	"os"
	"regexp"
	"strings"
)

// Environment reference forms recognized in configuration files, most
// specific first: ${VAR:-default}, ${VAR}, $VAR.
var (
	refWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	refBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	refBare        = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
)

// expandEnv substitutes environment references in the raw document before it
// is parsed. Unset variables without a default expand to the empty string.
func expandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = refWithDefault.ReplaceAllStringFunc(s, func(m string) string {
		parts := refWithDefault.FindStringSubmatch(m)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = refBraced.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(refBraced.FindStringSubmatch(m)[1])
	})
	return refBare.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(refBare.FindStringSubmatch(m)[1])
	})
}
