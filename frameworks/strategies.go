package main

import (
	"context"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/flags"
	"github.com/draftline-labs/draftline-go/internal/provider"
	"github.com/draftline-labs/draftline-go/internal/service/dispatch"
)

// providerStrategy resolves the provider per call from the flag snapshot,
// so toggling use_mock takes effect on the next dispatch without a restart.
type providerStrategy struct {
	cfg  provider.Config
	mock provider.Provider
}

func newProviderStrategy(cfg provider.Config) *providerStrategy {
	return &providerStrategy{cfg: cfg, mock: provider.NewMock()}
}

func (s *providerStrategy) Execute(ctx context.Context, req dispatch.Request, snapshot flags.Snapshot) (domain.Metadata, string, error) {
	var p provider.Provider = s.mock
	if !snapshot.EffectiveMock(req.Framework) {
		p = provider.NewHTTPProvider(s.cfg)
	}
	resp, err := p.Generate(ctx, provider.GenerateRequest{
		Framework: req.Framework,
		TenantID:  req.TenantID,
		Payload:   req.Payload,
	})
	if err != nil {
		return nil, "", err
	}
	return resp.Output, resp.ModelName, nil
}
