package providers

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// File is the on-disk provider catalog: a version marker, a default
// alias and one record per configured model.
type File struct {
	Version      int              `json:"version"`
	DefaultModel string           `json:"default_model,omitempty"`
	Providers    []providerRecord `json:"providers,omitempty"`
}

type providerRecord struct {
	Alias          string            `json:"alias"`
	Provider       string            `json:"provider"`
	API            string            `json:"api"`
	Model          string            `json:"model"`
	BaseURL        string            `json:"base_url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxOutputTok   int               `json:"max_output_tokens,omitempty"`
	Auth           authRecord        `json:"auth"`
}

type authRecord struct {
	Type     string `json:"type"`
	TokenEnv string `json:"token_env,omitempty"`
	Token    string `json:"token,omitempty"`
}

// LoadFile reads a provider catalog and registers every record into a
// fresh factory. The default alias, when set, must resolve.
func LoadFile(path string) (*Factory, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("providers: read config %q: %w", path, err)
	}
	var file File
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, "", fmt.Errorf("providers: parse config %q: %w", path, err)
	}
	factory := NewFactory()
	for _, rec := range file.Providers {
		if err := factory.Register(rec.config()); err != nil {
			return nil, "", err
		}
	}
	def := strings.ToLower(strings.TrimSpace(file.DefaultModel))
	if def != "" {
		if _, ok := factory.configs[def]; !ok {
			return nil, "", fmt.Errorf("providers: default model alias %q is not configured", def)
		}
	}
	return factory, def, nil
}

func (rec providerRecord) config() Config {
	cfg := Config{
		Alias:        strings.ToLower(strings.TrimSpace(rec.Alias)),
		Provider:     strings.TrimSpace(rec.Provider),
		API:          APIType(strings.TrimSpace(rec.API)),
		Model:        strings.TrimSpace(rec.Model),
		BaseURL:      strings.TrimSpace(rec.BaseURL),
		Headers:      copyHeaders(rec.Headers),
		MaxOutputTok: rec.MaxOutputTok,
		Auth: AuthConfig{
			Type:     AuthType(strings.TrimSpace(rec.Auth.Type)),
			TokenEnv: strings.TrimSpace(rec.Auth.TokenEnv),
			Token:    strings.TrimSpace(rec.Auth.Token),
		},
	}
	if rec.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(rec.TimeoutSeconds) * time.Second
	}
	return cfg
}

func copyHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		kk := strings.TrimSpace(k)
		if kk == "" {
			continue
		}
		out[kk] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
