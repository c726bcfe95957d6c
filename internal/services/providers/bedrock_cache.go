package providers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/metrics"
	"github.com/hadrianai/hadrian/internal/schema"
)

const bedrockCacheTTL = time.Hour

// bedrockCaches holds the two control-plane caches consulted on the request
// path: model id → inference profile id, and the foundation-model list. Both
// refresh at most hourly under the usual double-checked write lock.
type bedrockCaches struct {
	fetch  func(ctx context.Context, path string) ([]byte, error)
	logger *zap.Logger
	ttl    time.Duration

	pmu             sync.RWMutex
	profiles        map[string]string
	profilesUpdated time.Time

	mmu           sync.RWMutex
	models        []schema.ModelInfo
	modelsUpdated time.Time
}

func newBedrockCaches(fetch func(ctx context.Context, path string) ([]byte, error), logger *zap.Logger) *bedrockCaches {
	return &bedrockCaches{fetch: fetch, logger: logger, ttl: bedrockCacheTTL}
}

// resolveProfile maps a model id to its inference profile id. Regional and
// ARN ids pass through untouched. A failed refresh logs, bumps the fallback
// counter and returns the input unchanged; the upstream may then 404.
func (c *bedrockCaches) resolveProfile(ctx context.Context, modelID string) string {
	for _, prefix := range []string{"global.", "us.", "eu.", "ap.", "arn:"} {
		if strings.HasPrefix(modelID, prefix) {
			return modelID
		}
	}

	c.pmu.RLock()
	fresh := c.profiles != nil && time.Since(c.profilesUpdated) < c.ttl
	if fresh {
		profile := c.profiles[modelID]
		c.pmu.RUnlock()
		if profile != "" {
			return profile
		}
		return modelID
	}
	c.pmu.RUnlock()

	c.pmu.Lock()
	defer c.pmu.Unlock()
	if c.profiles == nil || time.Since(c.profilesUpdated) >= c.ttl {
		if err := c.refreshProfiles(ctx); err != nil {
			c.logger.Warn("inference profile refresh failed, using raw model id",
				zap.String("model", modelID), zap.Error(err))
			metrics.BedrockProfileFallbackTotal.Inc()
			return modelID
		}
	}
	if profile := c.profiles[modelID]; profile != "" {
		return profile
	}
	return modelID
}

// refreshProfiles rebuilds the map from the control plane, keying each
// profile by the modelArn suffix of its declared models. Callers hold pmu.
func (c *bedrockCaches) refreshProfiles(ctx context.Context) error {
	body, err := c.fetch(ctx, "/inference-profiles?maxResults=1000")
	if err != nil {
		return err
	}
	var payload struct {
		InferenceProfileSummaries []struct {
			InferenceProfileID string `json:"inferenceProfileId"`
			Models             []struct {
				ModelArn string `json:"modelArn"`
			} `json:"models"`
		} `json:"inferenceProfileSummaries"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return err
	}

	profiles := make(map[string]string)
	for _, summary := range payload.InferenceProfileSummaries {
		for _, m := range summary.Models {
			if i := strings.LastIndex(m.ModelArn, "/"); i >= 0 {
				profiles[m.ModelArn[i+1:]] = summary.InferenceProfileID
			}
		}
	}
	c.profiles = profiles
	c.profilesUpdated = time.Now()
	return nil
}

// foundationModels returns the cached model list, refreshing when stale. An
// empty cache whose refresh fails surfaces the error.
func (c *bedrockCaches) foundationModels(ctx context.Context) ([]schema.ModelInfo, error) {
	c.mmu.RLock()
	if c.models != nil && time.Since(c.modelsUpdated) < c.ttl {
		models := c.models
		c.mmu.RUnlock()
		return models, nil
	}
	c.mmu.RUnlock()

	c.mmu.Lock()
	defer c.mmu.Unlock()
	if c.models != nil && time.Since(c.modelsUpdated) < c.ttl {
		return c.models, nil
	}

	body, err := c.fetch(ctx, "/foundation-models")
	if err != nil {
		if c.models != nil {
			c.logger.Warn("foundation model refresh failed, serving stale list", zap.Error(err))
			return c.models, nil
		}
		return nil, err
	}
	var payload struct {
		ModelSummaries []json.RawMessage `json:"modelSummaries"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	models := make([]schema.ModelInfo, 0, len(payload.ModelSummaries))
	for _, raw := range payload.ModelSummaries {
		var summary struct {
			ModelID      string `json:"modelId"`
			ProviderName string `json:"providerName"`
		}
		if err := json.Unmarshal(raw, &summary); err != nil || summary.ModelID == "" {
			continue
		}
		models = append(models, schema.ModelInfo{
			ID:      summary.ModelID,
			Object:  "model",
			OwnedBy: summary.ProviderName,
			Extra:   raw,
		})
	}
	c.models = models
	c.modelsUpdated = time.Now()
	return models, nil
}
