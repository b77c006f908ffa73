package provider

import (
	"fmt"
	"log/slog"

	"github.com/rezonia/peppol-exchange/internal/config"
	"github.com/rezonia/peppol-exchange/internal/model"
)

// New creates the adapter for id from its configured credentials
func New(id model.ProviderID, creds config.ProviderCredentials, opts Options) (Adapter, error) {
	if creds.BaseURL != "" && opts.BaseURL == "" {
		opts.BaseURL = creds.BaseURL
	}
	switch id {
	case model.ProviderAdemico:
		return NewAdemico(AdemicoCredentials{ClientID: creds.ClientID, ClientSecret: creds.ClientSecret}, opts), nil
	case model.ProviderUnit4:
		return NewUnit4(Unit4Credentials{Username: creds.Username, Password: creds.Password}, opts), nil
	case model.ProviderRecommand:
		return NewRecommand(RecommandCredentials{APIToken: creds.APIToken, CompanyID: creds.CompanyID}, opts), nil
	}
	return nil, fmt.Errorf("provider %q: %w", id, model.ErrUnsupported)
}

// FromConfig builds a registry with every known provider. Adapters without
// credentials are still registered so that webhooks for documents sent
// earlier keep resolving; their calls fail with an AuthError.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	ids := []model.ProviderID{model.ProviderAdemico, model.ProviderUnit4, model.ProviderRecommand}
	adapters := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		a, err := New(id, cfg.Credentials(id), Options{Live: cfg.IsLive(), Logger: logger})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return NewRegistry(adapters...), nil
}
