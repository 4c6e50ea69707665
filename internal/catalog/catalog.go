// Package catalog loads and validates the fleet of services the runner
// supervises, from a directory of per-service manifests and OpenAPI
// documents into an immutable, cross-checked catalog.
package catalog

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ServiceType is a free-form dashboard tag closed over the values the
// manifest schema accepts.
type ServiceType string

const (
	TypeBFF      ServiceType = "bff"
	TypeBusiness ServiceType = "business"
	TypeAdapter  ServiceType = "adapter"
)

// Method is one of the HTTP methods an OpenAPI path may declare.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

var knownMethods = map[string]Method{
	"get": MethodGet, "post": MethodPost, "put": MethodPut,
	"patch": MethodPatch, "delete": MethodDelete,
}

// Schedule is a declared periodic webhook invocation.
type Schedule struct {
	Endpoint    string
	IntervalSec int
}

// QueueListener declares that this service subscribes to a named fan-out
// topic, and the path a real delivery mechanism would forward events to.
type QueueListener struct {
	Queue string
	Path  string
}

// PathEntry is one (method, path pattern) pair extracted from a service's
// OpenAPI document. Pattern segments of the form "{name}" match any single
// non-empty, non-slash path segment.
type PathEntry struct {
	Method  Method
	Pattern string
}

// ServiceDescriptor is the immutable, validated description of one service
// in the fleet. It never changes after the catalog is loaded.
type ServiceDescriptor struct {
	Name           string
	Prefix         string
	BaseURL        string
	BaseHost       string
	BasePort       int
	Domain         string
	Type           ServiceType
	ReplicaCount   int
	MemoryLimitMB  int // 0 means unset
	Schedules      []Schedule
	QueueListeners []QueueListener
	ModulePath     string
	OpenAPIPaths   []PathEntry
}

// PortRange returns the disjoint port range this service occupies.
func (d ServiceDescriptor) PortRange() (lo, hi int) {
	return d.BasePort, d.BasePort + d.ReplicaCount
}

// PageLimit translates MemoryLimitMB into a WASM page count, or 0 when no
// cap is configured. One page is 64 KiB; 1024/64 = 16 pages per MB.
func (d ServiceDescriptor) PageLimit() int {
	if d.MemoryLimitMB <= 0 {
		return 0
	}
	return d.MemoryLimitMB * 1024 / 64
}

// Matches reports whether method and remainder path satisfy one of the
// service's declared OpenAPI paths, applying "{placeholder}" segment
// matching: a placeholder matches any single non-empty, non-slash segment,
// literal segments must match exactly, and segment counts must be equal.
func (d ServiceDescriptor) Matches(method, remainder string) bool {
	for _, entry := range d.OpenAPIPaths {
		if !strings.EqualFold(string(entry.Method), method) {
			continue
		}
		if pathMatchesPattern(remainder, entry.Pattern) {
			return true
		}
	}
	return false
}

func pathMatchesPattern(path, pattern string) bool {
	pathSegs := splitSegments(path)
	patSegs := splitSegments(pattern)
	if len(pathSegs) != len(patSegs) {
		return false
	}
	for i, ps := range patSegs {
		if strings.HasPrefix(ps, "{") && strings.HasSuffix(ps, "}") {
			if pathSegs[i] == "" {
				return false
			}
			continue
		}
		if ps != pathSegs[i] {
			return false
		}
	}
	return true
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// FailureKind classifies why a service failed to load.
type FailureKind string

const (
	ManifestMissing      FailureKind = "ManifestMissing"
	ManifestParse        FailureKind = "ManifestParse"
	OpenApiMissing       FailureKind = "OpenApiMissing"
	OpenApiParse         FailureKind = "OpenApiParse"
	ArtifactMissing      FailureKind = "ArtifactMissing"
	PortCollision        FailureKind = "PortCollision"
	PrefixCollision      FailureKind = "PrefixCollision"
	ScheduleNotInOpenApi FailureKind = "ScheduleNotInOpenApi"
)

// LoadFailure records why one service was disabled.
type LoadFailure struct {
	Service string
	Kind    FailureKind
	Err     error
}

func (f LoadFailure) Error() string {
	return fmt.Sprintf("service %q: %s: %v", f.Service, f.Kind, f.Err)
}

// Catalog is the immutable, cross-checked set of enabled services plus the
// failures recorded against services that were disabled during loading.
type Catalog struct {
	services map[string]ServiceDescriptor
	order    []string
	Failures []LoadFailure
}

// Services returns the enabled descriptors in stable (name-sorted) order.
func (c *Catalog) Services() []ServiceDescriptor {
	out := make([]ServiceDescriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.services[name])
	}
	return out
}

// Lookup returns the descriptor for a service by name, or (zero, false).
func (c *Catalog) Lookup(name string) (ServiceDescriptor, bool) {
	d, ok := c.services[name]
	return d, ok
}

// NewSingleServiceCatalog wraps one already-validated descriptor as a
// one-service Catalog, for the runner's --module debug mode.
func NewSingleServiceCatalog(desc ServiceDescriptor) *Catalog {
	return &Catalog{
		services: map[string]ServiceDescriptor{desc.Name: desc},
		order:    []string{desc.Name},
	}
}

// ByPrefix returns the descriptor routing on the given URL prefix segment.
func (c *Catalog) ByPrefix(prefix string) (ServiceDescriptor, bool) {
	for _, name := range c.order {
		if c.services[name].Prefix == prefix {
			return c.services[name], true
		}
	}
	return ServiceDescriptor{}, false
}

func parseAuthority(rawURL string) (host string, port int, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", 0, fmt.Errorf("url %q has no host:port authority", rawURL)
	}
	h, p, err := splitHostPort(u.Host)
	if err != nil {
		return "", 0, err
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("url %q: port %q is not numeric", rawURL, p)
	}
	return h, portNum, nil
}

func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("%q is not a literal host:port authority", hostport)
	}
	return hostport[:idx], hostport[idx+1:], nil
}
