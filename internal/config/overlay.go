package config

import (
	"os"

	"github.com/goccy/go-yaml"
)

// applyOverlay merges list-valued options from a YAML file over the
// environment-derived config. File entries are appended to (not replacing)
// any values already set via the environment, then de-duplicated.
func (c *Config) applyOverlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return err
	}

	c.CORSAllowedOrigins = dedupe(append(c.CORSAllowedOrigins, overlay.CORSAllowedOrigins...))
	c.AdditionalBotTokens = dedupe(append(c.AdditionalBotTokens, overlay.AdditionalBotTokens...))
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
