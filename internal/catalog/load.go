package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
)

// Load scans root/services/*, parses each manifest and OpenAPI document,
// and cross-checks the result into an immutable Catalog. Services that fail
// to load are recorded in Catalog.Failures and excluded from Services();
// loading continues for the rest of the fleet.
func Load(root string) (*Catalog, error) {
	servicesDir := filepath.Join(root, "services")
	entries, err := os.ReadDir(servicesDir)
	if err != nil {
		return nil, fmt.Errorf("read services dir %q: %w", servicesDir, err)
	}

	candidates := make(map[string]ServiceDescriptor)
	var failures []LoadFailure

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		desc, failure := loadOne(servicesDir, name)
		if failure != nil {
			failures = append(failures, *failure)
			continue
		}
		candidates[name] = desc
	}

	enabled, crossFailures := crossCheck(candidates, names)
	failures = append(failures, crossFailures...)

	order := make([]string, 0, len(enabled))
	for name := range enabled {
		order = append(order, name)
	}
	sort.Strings(order)

	return &Catalog{services: enabled, order: order, Failures: failures}, nil
}

func loadOne(servicesDir, name string) (ServiceDescriptor, *LoadFailure) {
	dir := filepath.Join(servicesDir, name)

	manifestPath := filepath.Join(dir, "config", "service.json")
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return ServiceDescriptor{}, &LoadFailure{Service: name, Kind: ManifestMissing, Err: err}
	}
	m, err := decodeManifest(manifestBytes)
	if err != nil {
		return ServiceDescriptor{}, &LoadFailure{Service: name, Kind: ManifestParse, Err: err}
	}

	openapiPath := filepath.Join(dir, "openapi.json")
	openapiBytes, err := os.ReadFile(openapiPath)
	if err != nil {
		return ServiceDescriptor{}, &LoadFailure{Service: name, Kind: OpenApiMissing, Err: err}
	}
	paths, err := decodeOpenAPI(openapiBytes)
	if err != nil {
		return ServiceDescriptor{}, &LoadFailure{Service: name, Kind: OpenApiParse, Err: err}
	}

	host, port, err := parseAuthority(m.URL)
	if err != nil {
		return ServiceDescriptor{}, &LoadFailure{Service: name, Kind: ManifestParse, Err: err}
	}

	modulePath, err := locateArtifact(dir, name)
	if err != nil {
		return ServiceDescriptor{}, &LoadFailure{Service: name, Kind: ArtifactMissing, Err: err}
	}

	replicaCount := m.Runners
	if replicaCount <= 0 {
		replicaCount = 1
	}

	schedules := make([]Schedule, 0, len(m.Schedules))
	for _, s := range m.Schedules {
		schedules = append(schedules, Schedule{Endpoint: s.Endpoint, IntervalSec: s.IntervalSec})
	}

	listeners := make([]QueueListener, 0, len(m.QueueListeners))
	for _, l := range m.QueueListeners {
		listeners = append(listeners, QueueListener{Queue: l.Queue, Path: l.Path})
	}

	desc := ServiceDescriptor{
		Name:           name,
		Prefix:         m.Prefix,
		BaseURL:        m.URL,
		BaseHost:       host,
		BasePort:       port,
		Domain:         m.Domain,
		Type:           ServiceType(m.Type),
		ReplicaCount:   replicaCount,
		MemoryLimitMB:  m.MemoryLimitMB,
		Schedules:      schedules,
		QueueListeners: listeners,
		ModulePath:     modulePath,
		OpenAPIPaths:   paths,
	}

	for _, sched := range desc.Schedules {
		if !desc.Matches("GET", sched.Endpoint) {
			return ServiceDescriptor{}, &LoadFailure{
				Service: name,
				Kind:    ScheduleNotInOpenApi,
				Err:     fmt.Errorf("schedule endpoint %q is not declared in openapi.json", sched.Endpoint),
			}
		}
	}

	return desc, nil
}

// locateArtifact finds the compiled WASM module, preferring the AoT
// artifact services/<name>/<name>.wasm and falling back to a platform
// target subdirectory (services/<name>/target/<GOOS>-<GOARCH>/<name>.wasm).
func locateArtifact(dir, name string) (string, error) {
	primary := filepath.Join(dir, name+".wasm")
	if _, err := os.Stat(primary); err == nil {
		return primary, nil
	}

	target := filepath.Join(dir, "target", fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH), name+".wasm")
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	return "", fmt.Errorf("no wasm artifact at %q or %q", primary, target)
}

// crossCheck applies the catalog-wide invariants — unique prefixes,
// disjoint port ranges — across all successfully-parsed candidates. A
// service that collides with an earlier one (in sorted name order) is
// disabled; the earlier service wins.
func crossCheck(candidates map[string]ServiceDescriptor, order []string) (map[string]ServiceDescriptor, []LoadFailure) {
	enabled := make(map[string]ServiceDescriptor, len(candidates))
	var failures []LoadFailure

	usedPrefixes := make(map[string]string)  // prefix -> owning service
	var portRanges []struct {
		lo, hi int
		owner  string
	}

	for _, name := range order {
		desc, ok := candidates[name]
		if !ok {
			continue
		}

		if owner, exists := usedPrefixes[desc.Prefix]; exists {
			failures = append(failures, LoadFailure{
				Service: name,
				Kind:    PrefixCollision,
				Err:     fmt.Errorf("prefix %q already used by service %q", desc.Prefix, owner),
			})
			continue
		}

		lo, hi := desc.PortRange()
		collided := false
		for _, r := range portRanges {
			if lo < r.hi && r.lo < hi {
				failures = append(failures, LoadFailure{
					Service: name,
					Kind:    PortCollision,
					Err:     fmt.Errorf("port range [%d,%d) overlaps service %q's [%d,%d)", lo, hi, r.owner, r.lo, r.hi),
				})
				collided = true
				break
			}
		}
		if collided {
			continue
		}

		usedPrefixes[desc.Prefix] = name
		portRanges = append(portRanges, struct {
			lo, hi int
			owner  string
		}{lo, hi, name})
		enabled[name] = desc
	}

	return enabled, failures
}
