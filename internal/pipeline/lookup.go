package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pentoshi007/vortex/internal/enrichment"
	"github.com/pentoshi007/vortex/internal/ioc"
	"github.com/pentoshi007/vortex/internal/scoring"
	"github.com/pentoshi007/vortex/internal/store"
)

// lookupSourceName records on-demand lookups in the source trail so they
// are distinguishable from feed-driven sightings.
const lookupSourceName = "lookup"

// LookupResult is the outcome of a single on-demand enrichment.
type LookupResult struct {
	Indicator *ioc.Indicator `json:"indicator"`
	// Created is true when the lookup inserted a new indicator rather
	// than refreshing an existing one.
	Created bool `json:"created"`
	// Providers lists providers that returned data for this lookup.
	Providers []string `json:"providers"`
}

// EnrichOne enriches a single indicator immediately, upserting it into the
// store. Unlike the bulk run it never sleeps for quota windows: an
// exhausted provider is simply skipped, so an interactive caller is
// answered with whatever data is available right now.
func (p *Enrichment) EnrichOne(ctx context.Context, rawType, rawValue string) (*LookupResult, error) {
	t, value, err := ioc.Normalize(rawType, rawValue)
	if err != nil {
		return nil, err
	}

	now := p.now()
	ind, err := p.store.FindByKey(ctx, t, value)
	if err != nil {
		return nil, fmt.Errorf("looking up indicator: %w", err)
	}

	res := &LookupResult{}
	if ind == nil {
		res.Created = true
		ind = &ioc.Indicator{
			ID:        ioc.Key(t, value),
			Type:      t,
			Value:     value,
			FirstSeen: now,
			LastSeen:  now,
			CreatedAt: now,
			UpdatedAt: now,
			Sources: []ioc.Source{{
				Name:      lookupSourceName,
				FirstSeen: now,
				LastSeen:  now,
			}},
		}
	} else {
		ind.TouchSource(lookupSourceName, "", now)
	}

	for _, client := range p.clients {
		if !client.Supports(t) {
			continue
		}
		provider := client.Name()
		if !p.quota.CanConsume(provider) {
			p.logger.Debug("Provider quota exhausted for lookup",
				zap.String("provider", string(provider)))
			p.metrics.EnrichmentRequest(string(provider), "skipped")
			continue
		}
		p.quota.Consume(provider)

		result, err := client.Lookup(ctx, t, value)
		if errors.Is(err, enrichment.ErrRateLimited) {
			p.metrics.EnrichmentRequest(string(provider), "rate_limited")
			continue
		}
		if err != nil {
			return nil, err
		}
		if result == nil {
			p.metrics.EnrichmentRequest(string(provider), "nodata")
			continue
		}
		if result.VT != nil {
			ind.VT = result.VT
			res.Providers = append(res.Providers, string(provider))
		}
		if result.AbuseIPDB != nil {
			ind.AbuseIPDB = result.AbuseIPDB
			res.Providers = append(res.Providers, string(provider))
		}
		p.metrics.EnrichmentRequest(string(provider), "hit")
	}

	ind.LastSeen = now
	ind.UpdatedAt = now
	scoring.Apply(ind, now)

	if res.Created {
		if err := p.store.Insert(ctx, ind); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				// Lost a race with a concurrent ingestion; fold into the
				// existing record instead.
				existing, ferr := p.store.FindByKey(ctx, t, value)
				if ferr != nil || existing == nil {
					return nil, fmt.Errorf("resolving duplicate on lookup: %w", err)
				}
				existing.TouchSource(lookupSourceName, "", now)
				if ind.VT != nil {
					existing.VT = ind.VT
				}
				if ind.AbuseIPDB != nil {
					existing.AbuseIPDB = ind.AbuseIPDB
				}
				existing.LastSeen = now
				existing.UpdatedAt = now
				scoring.Apply(existing, now)
				if err := p.store.UpdateByID(ctx, existing); err != nil {
					return nil, fmt.Errorf("persisting lookup: %w", err)
				}
				res.Created = false
				res.Indicator = existing
				return res, nil
			}
			return nil, fmt.Errorf("persisting lookup: %w", err)
		}
	} else {
		if err := p.store.UpdateByID(ctx, ind); err != nil {
			return nil, fmt.Errorf("persisting lookup: %w", err)
		}
	}

	res.Indicator = ind
	return res, nil
}
