// Package envload resolves provider tokens from .env files without
// overriding variables already present in the environment.
package envload

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadNearest walks up from the working directory and applies the
// first .env file it finds. It returns the applied path, or an empty
// string when no file exists.
func LoadNearest() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := wd; ; dir = filepath.Dir(dir) {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			if err := applyFile(path); err != nil {
				return "", err
			}
			return path, nil
		}
		if filepath.Dir(dir) == dir {
			return "", nil
		}
	}
}

// applyFile sets every assignment in the file that is not already set
// in the process environment.
func applyFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("envload: set %q: %w", key, err)
		}
	}
	return scanner.Err()
}

// parseLine reads one KEY=VALUE assignment. Comments, blank lines and
// malformed lines are skipped; an optional "export " prefix and
// single or double quotes around the value are stripped.
func parseLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	key, value, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	value = strings.Trim(strings.TrimSpace(value), `"'`)
	return key, value, true
}
