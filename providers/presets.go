package providers

import (
	"strings"

	"github.com/copima/copima/config"
	"github.com/copima/copima/core"
)

// ApplyPreset fills empty endpoint fields for the well-known providers. The
// gitlab preset derives its endpoints from the crawled host, so self-hosted
// instances only need a client id. Explicit configuration always wins.
func ApplyPreset(name, host string, cfg config.ProviderConfig) config.ProviderConfig {
	host = strings.TrimRight(strings.TrimSpace(host), "/")

	switch core.ProviderID(strings.TrimSpace(strings.ToLower(name))) {
	case core.ProviderGitLab:
		if cfg.AuthorizationURL == "" && host != "" {
			cfg.AuthorizationURL = host + "/oauth/authorize"
		}
		if cfg.TokenURL == "" && host != "" {
			cfg.TokenURL = host + "/oauth/token"
		}
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = []string{"read_api", "read_user"}
		}
	case core.ProviderGitHub:
		if cfg.AuthorizationURL == "" {
			cfg.AuthorizationURL = "https://github.com/login/oauth/authorize"
		}
		if cfg.TokenURL == "" {
			cfg.TokenURL = "https://github.com/login/oauth/access_token"
		}
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = []string{"read:user", "read:org"}
		}
	}
	return cfg
}
