package providers

import (
	"fmt"

	"github.com/tracefold/engsync/internal/adapter/providers/repohost"
	"github.com/tracefold/engsync/internal/adapter/providers/tracker"
	"github.com/tracefold/engsync/internal/domain"
)

// FactoryConfig carries the provider knobs shared by all integrations.
type FactoryConfig struct {
	PageSize        int
	SearchResultCap int
	SearchMaxURLLen int
	RateThresholds  map[string]int
	Retry           domain.RetryConfig
}

// Factory builds provider clients from an integration's sealed credentials.
// It implements domain.ClientFactory.
type Factory struct {
	Keyring domain.Keyring
	Config  FactoryConfig
}

// NewFactory constructs a Factory.
func NewFactory(kr domain.Keyring, cfg FactoryConfig) *Factory {
	return &Factory{Keyring: kr, Config: cfg}
}

// Tracker builds an issue-tracker client for the integration.
func (f *Factory) Tracker(integ domain.Integration) (domain.TrackerClient, error) {
	if integ.Provider != domain.ProviderIssues {
		return nil, fmt.Errorf("op=providers.tracker: provider %q: %w", integ.Provider, domain.ErrInvalidArgument)
	}
	token, err := f.Keyring.Open(integ.Credentials)
	if err != nil {
		return nil, fmt.Errorf("op=providers.tracker: open credentials: %w", domain.ErrAuthFailure)
	}
	return tracker.New(tracker.Options{
		BaseURL:       integ.BaseURL,
		Token:         string(token),
		PageSize:      f.Config.PageSize,
		RateThreshold: f.Config.RateThresholds[domain.RateResourceCore],
		Retry:         f.Config.Retry,
	}), nil
}

// RepoHost builds a source-code host client for the integration.
func (f *Factory) RepoHost(integ domain.Integration) (domain.RepoHostClient, error) {
	if integ.Provider != domain.ProviderRepos {
		return nil, fmt.Errorf("op=providers.repohost: provider %q: %w", integ.Provider, domain.ErrInvalidArgument)
	}
	token, err := f.Keyring.Open(integ.Credentials)
	if err != nil {
		return nil, fmt.Errorf("op=providers.repohost: open credentials: %w", domain.ErrAuthFailure)
	}
	return repohost.New(repohost.Options{
		BaseURL:         integ.BaseURL,
		Token:           string(token),
		PageSize:        f.Config.PageSize,
		SearchResultCap: f.Config.SearchResultCap,
		SearchMaxURLLen: f.Config.SearchMaxURLLen,
		RateThresholds:  f.Config.RateThresholds,
		Retry:           f.Config.Retry,
	}), nil
}
