// Package filter selects result items by service, region and operation.
package filter

import (
	"strings"

	"github.com/yairfalse/sweep/types"
)

// Filter controls which services are ingested and which stored items a query returns.
type Filter struct {
	excludeServices map[string]bool
	services        map[string]bool
	regions         map[string]bool
	operations      map[string]bool
}

// New creates a Filter that drops the given services at ingestion time.
func New(excludeServices []string) *Filter {
	return &Filter{excludeServices: set(excludeServices, strings.ToLower)}
}

// ForQuery creates a Filter matching the given service, region and
// operation. Empty values match everything.
func ForQuery(service, region, operation string) *Filter {
	return &Filter{
		services:   set([]string{service}, strings.ToLower),
		regions:    set([]string{region}, nil),
		operations: set([]string{operation}, nil),
	}
}

// ShouldIngestService returns true if results of the service are kept.
func (f *Filter) ShouldIngestService(service string) bool {
	return !f.excludeServices[strings.ToLower(service)]
}

// Match returns true if the item passes every configured predicate.
func (f *Filter) Match(item types.ResultItem) bool {
	if !f.ShouldIngestService(item.Service) {
		return false
	}
	if len(f.services) > 0 && !f.services[strings.ToLower(item.Service)] {
		return false
	}
	if len(f.regions) > 0 && !f.regions[item.Region] {
		return false
	}
	if len(f.operations) > 0 && !f.operations[item.Operation] {
		return false
	}
	return true
}

// FilterItems returns only items that pass the filter.
func (f *Filter) FilterItems(items []types.ResultItem) []types.ResultItem {
	if f.IsEmpty() {
		return items
	}

	filtered := make([]types.ResultItem, 0, len(items))
	for _, item := range items {
		if f.Match(item) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

// IsEmpty returns true if no predicates are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeServices) == 0 && len(f.services) == 0 &&
		len(f.regions) == 0 && len(f.operations) == 0
}

func set(values []string, norm func(string) string) map[string]bool {
	m := make(map[string]bool)
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if norm != nil {
			v = norm(v)
		}
		m[v] = true
	}
	return m
}
