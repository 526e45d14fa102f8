// Package workspace manages tenant records: POSIX identity allocation,
// provider configuration, and secret verification. A workspace owns every
// session created under it.
package workspace

import (
	"time"
)

// Provider names accepted by the engine.
const (
	ProviderCodex  = "codex"
	ProviderClaude = "claude"
)

// ProviderAuth carries provider credential material.
type ProviderAuth struct {
	Type  string `json:"type"` // api_key, oauth
	Value string `json:"value"`
}

// ProviderConfig describes one provider's availability for a workspace.
type ProviderConfig struct {
	Enabled bool          `json:"enabled"`
	Auth    *ProviderAuth `json:"auth,omitempty"`
}

// Workspace is the persisted tenant record.
type Workspace struct {
	ID         string                    `json:"id"`
	UID        int                       `json:"uid"`
	GID        int                       `json:"gid"`
	Home       string                    `json:"home"`
	Providers  map[string]ProviderConfig `json:"providers"`
	SecretHash string                    `json:"secretHash"` // salt-less SHA-256, hex
	CreatedAt  time.Time                 `json:"createdAt"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

// EnabledProviders returns the enabled provider names, codex first.
func (w *Workspace) EnabledProviders() []string {
	var out []string
	if p, ok := w.Providers[ProviderCodex]; ok && p.Enabled {
		out = append(out, ProviderCodex)
	}
	for name, p := range w.Providers {
		if name == ProviderCodex || !p.Enabled {
			continue
		}
		out = append(out, name)
	}
	return out
}

// DefaultProvider picks the provider for new sessions: codex when enabled,
// otherwise the first enabled provider.
func (w *Workspace) DefaultProvider() (string, bool) {
	enabled := w.EnabledProviders()
	if len(enabled) == 0 {
		return "", false
	}
	return enabled[0], true
}

// ProviderEnabled reports whether the named provider is enabled.
func (w *Workspace) ProviderEnabled(name string) bool {
	p, ok := w.Providers[name]
	return ok && p.Enabled
}

func defaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		ProviderCodex:  {Enabled: true},
		ProviderClaude: {Enabled: true},
	}
}
