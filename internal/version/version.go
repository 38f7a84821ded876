// Package version carries the module's build identity, injected at
// build time via -ldflags.
package version

import "strings"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build identity as a single line.
func String() string {
	fields := []struct {
		prefix string
		value  string
	}{
		{"", Version},
		{"commit=", Commit},
		{"date=", Date},
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if v := strings.TrimSpace(f.value); v != "" {
			parts = append(parts, f.prefix+v)
		}
	}
	return strings.Join(parts, " ")
}
