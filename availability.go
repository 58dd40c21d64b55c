/*
Copyright 2025 Payrail Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/payrail/dispatch/config"
	"github.com/payrail/dispatch/internal/cache"
	"github.com/payrail/dispatch/internal/request"
)

// HTTPAvailabilityClient queries the agent-availability subsystem over HTTP
// and memoizes per-agent snapshots in Redis for a short TTL, so that the
// back-to-back rounds of one transaction don't hammer the subsystem.
type HTTPAvailabilityClient struct {
	cache cache.Cache
}

type availabilityRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

type availabilityResponse struct {
	Agents []AgentAvailability `json:"agents"`
}

// NewHTTPAvailabilityClient wires the client against the configured
// availability endpoint and cache.
func NewHTTPAvailabilityClient() (*HTTPAvailabilityClient, error) {
	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	return &HTTPAvailabilityClient{cache: newCache}, nil
}

func availabilityCacheKey(agentID string) string {
	return fmt.Sprintf("availability:%s", agentID)
}

// GetAvailability returns live state for the requested agents. Cached
// snapshots are served when fresh; only the misses go out to the subsystem.
// Agents absent from the response are simply missing from the returned map;
// the caller decides how to treat them.
func (h *HTTPAvailabilityClient) GetAvailability(ctx context.Context, agentIDs []string) (map[string]AgentAvailability, error) {
	ctx, span := tracer.Start(ctx, "Fetching agent availability")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	result := make(map[string]AgentAvailability, len(agentIDs))
	var misses []string
	for _, agentID := range agentIDs {
		var snapshot AgentAvailability
		if err := h.cache.Get(ctx, availabilityCacheKey(agentID), &snapshot); err == nil && snapshot.AgentID == agentID {
			result[agentID] = snapshot
			continue
		}
		misses = append(misses, agentID)
	}
	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := h.fetch(ctx, cfg, misses)
	if err != nil {
		return nil, errors.Wrap(err, "availability fetch failed")
	}
	cacheTTL := time.Duration(cfg.Availability.CacheTTLSec) * time.Second
	for _, snapshot := range fetched {
		result[snapshot.AgentID] = snapshot
		if err := h.cache.Set(ctx, availabilityCacheKey(snapshot.AgentID), snapshot, cacheTTL); err != nil {
			span.RecordError(err)
		}
	}
	return result, nil
}

// fetch calls the availability endpoint with exponential backoff. Transient
// failures are retried; a sustained outage surfaces to the caller, which
// records the round with availability_unreachable rather than guessing.
func (h *HTTPAvailabilityClient) fetch(ctx context.Context, cfg *config.Configuration, agentIDs []string) ([]AgentAvailability, error) {
	operation := func() ([]AgentAvailability, error) {
		payload, err := request.ToJsonReq(&availabilityRequest{AgentIDs: agentIDs})
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/availability", cfg.Availability.Url), payload)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if cfg.Availability.Headers.Authorization != "" {
			req.Header.Set("Authorization", cfg.Availability.Headers.Authorization)
		}

		var response availabilityResponse
		resp, err := request.CallWithTimeout(req, &response, time.Duration(cfg.Availability.Timeout)*time.Second)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("availability service returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(fmt.Errorf("availability service rejected request with status %d", resp.StatusCode))
		}
		return response.Agents, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 10 * time.Second
	return backoff.RetryWithData(operation, backoff.WithContext(expBackoff, ctx))
}
