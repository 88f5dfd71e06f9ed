package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/cache"
	"github.com/oakmund/strider/internal/credentials"
	"github.com/oakmund/strider/internal/provider"
	"github.com/oakmund/strider/internal/router"
)

const (
	modelCacheSize = 1000
	modelCacheTTL  = 5 * time.Minute
)

// ModelService aggregates upstream model catalogs across the providers a
// user has credentials for. Per-provider lists are cached so the dashboard
// and /v1/models polling do not hammer upstreams.
type ModelService struct {
	providers *provider.Registry
	creds     *credentials.Resolver
	cache     *cache.TTL[[]gateway.ModelEntry]
}

// NewModelService wires the model aggregator.
func NewModelService(providers *provider.Registry, creds *credentials.Resolver) (*ModelService, error) {
	c, err := cache.New[[]gateway.ModelEntry](modelCacheSize, modelCacheTTL)
	if err != nil {
		return nil, err
	}
	return &ModelService{providers: providers, creds: creds, cache: c}, nil
}

// List returns the union of models across every provider the user has
// credentials for, sorted by ID. A provider that fails to list is skipped;
// an empty result is valid.
func (ms *ModelService) List(ctx context.Context, userID string) ([]gateway.ModelEntry, error) {
	configured, err := ms.creds.Configured(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list configured providers: %w", err)
	}

	out := make([]gateway.ModelEntry, 0, 32)
	for _, pt := range configured {
		models, err := ms.providerModels(ctx, userID, pt)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "model list failed",
				slog.String("provider", string(pt)),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, models...)
	}

	slices.SortFunc(out, func(a, b gateway.ModelEntry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Get looks a model up across its routing candidates. Unknown routing
// shapes and models absent from every candidate return 404.
func (ms *ModelService) Get(ctx context.Context, userID, model string) (*gateway.ModelEntry, error) {
	candidates := router.Candidates(model)
	if len(candidates) == 0 {
		return nil, gateway.ModelNotFound(model)
	}

	bare := router.StripProviderPrefix(model)
	for _, pt := range candidates {
		models, err := ms.providerModels(ctx, userID, pt)
		if err != nil {
			continue
		}
		for i := range models {
			if models[i].ID == bare {
				return &models[i], nil
			}
		}
	}
	return nil, gateway.ModelNotFound(model)
}

func (ms *ModelService) providerModels(ctx context.Context, userID string, pt gateway.ProviderType) ([]gateway.ModelEntry, error) {
	key := userID + "|" + string(pt)
	if models, ok := ms.cache.Get(key); ok {
		return models, nil
	}

	cred, err := ms.creds.Resolve(ctx, userID, pt)
	if err != nil {
		return nil, err
	}
	p, err := ms.providers.Get(pt)
	if err != nil {
		return nil, err
	}
	models, err := p.ListModels(ctx, cred)
	if err != nil {
		return nil, err
	}
	ms.cache.Set(key, models)
	return models, nil
}
