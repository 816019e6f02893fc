package types

import (
	"slices"
	"strings"
)

// Targets are the filter parameters a scan was requested with.
// Empty Services means every service; empty Regions means the
// tool's default region set.
type Targets struct {
	Services []string `json:"services,omitempty" yaml:"services,omitempty"`
	Regions  []string `json:"regions,omitempty" yaml:"regions,omitempty"`
	Profile  string   `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// AllServices reports whether every service was requested
func (t Targets) AllServices() bool {
	return len(t.Services) == 0
}

// AllRegions reports whether no region restriction was requested
func (t Targets) AllRegions() bool {
	return len(t.Regions) == 0
}

// Normalize trims, lowercases service names, drops empties and
// duplicates and sorts both lists. The literal "all" clears a list.
func (t Targets) Normalize() Targets {
	return Targets{
		Services: normalizeList(t.Services, true),
		Regions:  normalizeList(t.Regions, false),
		Profile:  strings.TrimSpace(t.Profile),
	}
}

func normalizeList(values []string, lower bool) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v == "" || seen[v] {
			continue
		}
		if strings.EqualFold(v, "all") {
			return nil
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return out
}

// String renders targets for logs
func (t Targets) String() string {
	services := "all"
	if !t.AllServices() {
		services = strings.Join(t.Services, ",")
	}
	regions := "default"
	if !t.AllRegions() {
		regions = strings.Join(t.Regions, ",")
	}
	s := "services=" + services + " regions=" + regions
	if t.Profile != "" {
		s += " profile=" + t.Profile
	}
	return s
}
