package registry

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/consult-escrow/consult-escrow/internal/config"
	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
)

// FromConfig picks the registry backend: the HTTP client when a URL is set,
// otherwise the static allowlist when it is non-empty. It returns nil when
// neither is configured.
func FromConfig(cfg config.RegistryConfig, logger zerolog.Logger) (consultation.Registry, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		client, err := NewClient(cfg.URL, cfg.Timeout, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	if len(cfg.Allowlist) > 0 {
		return NewStatic(cfg.Allowlist...), nil
	}
	return nil, nil
}
