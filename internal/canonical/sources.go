package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Sentinel errors for source provider loading.
var (
	// ErrNoServiceName is returned when an integration endpoint file lacks a
	// service_name.
	ErrNoServiceName = errors.New("integration endpoint file missing service_name")
)

type (
	// SourceRef identifies the source service and endpoint that feed a
	// canonical table. Attached to every transformed record as provenance.
	SourceRef struct {
		Service  string
		Endpoint string
	}

	// SourceProvider resolves which endpoint of one integration service feeds
	// a canonical table. One implementation exists per integration service so
	// that no provider needs to know about any other source system.
	SourceProvider interface {
		// ServiceName returns the integration service name (e.g. "connectwise").
		ServiceName() string

		// EndpointFor returns the endpoint path feeding the canonical table,
		// or false when this service does not feed it.
		EndpointFor(canonicalTable string) (string, bool)
	}

	// SourceRegistry aggregates providers and answers the reverse lookup
	// "which service/endpoint feeds canonical table X". Providers are
	// consulted in registration order; the first match wins.
	SourceRegistry struct {
		providers []SourceProvider
	}

	// FileProvider is a SourceProvider backed by one integration endpoint
	// definition file. The endpoint index is built once at load time instead
	// of re-scanning the file on every lookup.
	FileProvider struct {
		service   string
		endpoints map[string]string // canonical table -> endpoint path
	}

	// integrationFile is the on-disk shape of an integration endpoint file.
	integrationFile struct {
		//nolint:tagliatelle // snake_case is intentional for config files
		ServiceName string                    `json:"service_name"`
		Endpoints   map[string]endpointConfig `json:"endpoints"`
	}

	// endpointConfig carries either table_name or canonical_table depending on
	// how the service is configured; both spellings are accepted.
	endpointConfig struct {
		//nolint:tagliatelle // snake_case is intentional for config files
		TableName string `json:"table_name"`
		//nolint:tagliatelle // snake_case is intentional for config files
		CanonicalTable string `json:"canonical_table"`
		Enabled        bool   `json:"enabled"`
	}
)

// Compile-time interface assertion.
var _ SourceProvider = (*FileProvider)(nil)

// NewFileProvider parses one integration endpoint JSON file into a provider.
// Disabled endpoints are excluded from the index and never resolve.
func NewFileProvider(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		return nil, fmt.Errorf("failed to read integration endpoint file %s: %w", path, err)
	}

	return ParseFileProvider(data)
}

// ParseFileProvider builds a FileProvider from raw integration endpoint JSON.
func ParseFileProvider(data []byte) (*FileProvider, error) {
	var file integrationFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("malformed integration endpoint file: %w", err)
	}

	if file.ServiceName == "" {
		return nil, ErrNoServiceName
	}

	provider := &FileProvider{
		service:   file.ServiceName,
		endpoints: make(map[string]string, len(file.Endpoints)),
	}

	// Sort endpoint paths so that a table declared by two endpoints resolves
	// deterministically across process restarts.
	paths := make([]string, 0, len(file.Endpoints))
	for path := range file.Endpoints {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	for _, path := range paths {
		cfg := file.Endpoints[path]
		if !cfg.Enabled {
			continue
		}

		table := cfg.TableName
		if table == "" {
			table = cfg.CanonicalTable
		}

		if table == "" {
			continue
		}

		if _, exists := provider.endpoints[table]; !exists {
			provider.endpoints[table] = path
		}
	}

	return provider, nil
}

// ServiceName implements SourceProvider.
func (p *FileProvider) ServiceName() string {
	return p.service
}

// EndpointFor implements SourceProvider.
func (p *FileProvider) EndpointFor(canonicalTable string) (string, bool) {
	endpoint, ok := p.endpoints[canonicalTable]

	return endpoint, ok
}

// NewSourceRegistry creates a registry over the given providers.
func NewSourceRegistry(providers ...SourceProvider) *SourceRegistry {
	return &SourceRegistry{providers: providers}
}

// LoadSourceRegistry builds a registry from every *.json integration endpoint
// file in a directory. Files are loaded in lexicographic order so resolution
// precedence is stable.
func LoadSourceRegistry(dir string) (*SourceRegistry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list integration endpoint files in %s: %w", dir, err)
	}

	sort.Strings(paths)

	registry := &SourceRegistry{}

	for _, path := range paths {
		provider, err := NewFileProvider(path)
		if err != nil {
			return nil, err
		}

		registry.providers = append(registry.providers, provider)
	}

	return registry, nil
}

// Register appends a provider to the registry.
func (r *SourceRegistry) Register(provider SourceProvider) {
	r.providers = append(r.providers, provider)
}

// Resolve answers which source service and endpoint feed a canonical table.
// Returns false when no registered service feeds it; callers treat that as
// "record carries no source provenance", not as an error.
func (r *SourceRegistry) Resolve(canonicalTable string) (SourceRef, bool) {
	for _, provider := range r.providers {
		if endpoint, ok := provider.EndpointFor(canonicalTable); ok {
			return SourceRef{Service: provider.ServiceName(), Endpoint: endpoint}, true
		}
	}

	return SourceRef{}, false
}

// ProviderCount returns the number of registered providers.
func (r *SourceRegistry) ProviderCount() int {
	return len(r.providers)
}
