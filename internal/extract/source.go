package extract

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"adreport/internal/config"
	"adreport/internal/data"
)

// Source fetches one day of campaign performance from an ads platform.
type Source interface {
	Name() string
	Fetch(ctx context.Context, date data.ReportDate) ([]data.RawRecord, error)
}

// Deps are the shared collaborators handed to every source factory.
type Deps struct {
	Logger  *zap.Logger
	Verbose bool

	// Transport overrides the innermost HTTP transport (tests).
	Transport http.RoundTripper
}

// Factory builds a Source from its configuration section.
type Factory func(ctx context.Context, cfg config.Source, deps Deps) (Source, error)

// Registration describes a built-in source.
type Registration struct {
	Name        string
	Description string
	// EnvKeys lists the credential environment variables the source reads.
	EnvKeys []string
	Factory Factory
}

var (
	registry   = make(map[string]Registration)
	registryMu sync.RWMutex
)

func Register(r Registration) {
	if r.Name == "" {
		panic("source name is empty")
	}
	if r.Factory == nil {
		panic(fmt.Sprintf("source %s has no factory", r.Name))
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[r.Name]; exists {
		panic(fmt.Sprintf("source %s already registered", r.Name))
	}
	registry[r.Name] = r
}

func Resolve(name string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[name]
	return r, ok
}

// List returns all registered sources sorted by name.
func List() []Registration {
	registryMu.RLock()
	defer registryMu.RUnlock()

	all := make([]Registration, 0, len(registry))
	for _, r := range registry {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Name < all[j].Name
	})
	return all
}

// Build instantiates every enabled source in cfg. Unknown source names are an
// error so a typo in the config file does not silently skip a channel.
func Build(ctx context.Context, cfg *config.Config, deps Deps) ([]Source, error) {
	var out []Source
	for _, name := range cfg.EnabledSources() {
		reg, ok := Resolve(name)
		if !ok {
			return nil, fmt.Errorf("unknown source: %s", name)
		}
		src, err := reg.Factory(ctx, cfg.Sources[name], deps)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		out = append(out, src)
	}
	return out, nil
}
