package dispatch

import (
	"context"
	"strings"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/services/providers"
)

// PrefixResolver is the built-in config-driven resolver. A model id of the
// form "provider/model" routes to that provider; a bare model id routes to
// the first provider whose deployments or model mapping mention it, else to
// the sole configured provider. Deployments that need smarter routing plug
// in their own RouteResolver.
type PrefixResolver struct {
	cfg *config.Config
}

func NewPrefixResolver(cfg *config.Config) *PrefixResolver {
	return &PrefixResolver{cfg: cfg}
}

func (r *PrefixResolver) Resolve(ctx context.Context, model string) (*Route, error) {
	// Multi-tenant scoped ids keep only the trailing provider/model pair.
	if strings.HasPrefix(model, ":") {
		parts := strings.Split(model, "/")
		if len(parts) >= 2 {
			model = parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
	}

	if name, rest, ok := strings.Cut(model, "/"); ok {
		if _, exists := r.cfg.Providers[name]; exists {
			return &Route{Provider: name, Model: rest, Source: "static"}, nil
		}
	}

	for name, desc := range r.cfg.Providers {
		if _, ok := desc.Deployments[model]; ok {
			return &Route{Provider: name, Model: model, Source: "static"}, nil
		}
		if _, ok := desc.Models[model]; ok {
			return &Route{Provider: name, Model: model, Source: "static"}, nil
		}
	}

	if len(r.cfg.Providers) == 1 {
		for name := range r.cfg.Providers {
			return &Route{Provider: name, Model: model, Source: "static"}, nil
		}
	}
	return nil, providers.NewConfigError("router", "no route for model "+model)
}
