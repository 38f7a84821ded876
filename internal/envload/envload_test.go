package envload

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		name  string
		line  string
		key   string
		value string
		ok    bool
	}{
		{name: "plain", line: "KEY=value", key: "KEY", value: "value", ok: true},
		{name: "export prefix", line: "export KEY=value", key: "KEY", value: "value", ok: true},
		{name: "double quoted", line: `KEY="a b"`, key: "KEY", value: "a b", ok: true},
		{name: "single quoted", line: "KEY='a b'", key: "KEY", value: "a b", ok: true},
		{name: "comment", line: "# KEY=value", ok: false},
		{name: "blank", line: "   ", ok: false},
		{name: "no assignment", line: "KEY", ok: false},
		{name: "empty key", line: "=value", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, value, ok := parseLine(tc.line)
			if ok != tc.ok {
				t.Fatalf("parseLine(%q) ok=%v, want %v", tc.line, ok, tc.ok)
			}
			if !ok {
				return
			}
			if key != tc.key || value != tc.value {
				t.Fatalf("parseLine(%q) = %q,%q, want %q,%q", tc.line, key, value, tc.key, tc.value)
			}
		})
	}
}

func TestApplyFileDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "PRESET_TOKEN=from_file\nFRESH_TOKEN=loaded\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("PRESET_TOKEN", "from_env")
	t.Setenv("FRESH_TOKEN", "")
	os.Unsetenv("FRESH_TOKEN")

	if err := applyFile(path); err != nil {
		t.Fatalf("apply file: %v", err)
	}
	if got := os.Getenv("PRESET_TOKEN"); got != "from_env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("FRESH_TOKEN"); got != "loaded" {
		t.Fatalf("missing variable not loaded: %q", got)
	}
}
