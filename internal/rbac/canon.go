package rbac

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Canon is the resolved permission snapshot for one user in one tenant. It is
// never mutated after resolution; source changes are handled by invalidation.
//
// A nil ProjectIDs/CompanyIDs means unfiltered, an empty slice means the user
// sees nothing.
type Canon struct {
	Caps         map[string]Level    `json:"caps"`
	Scope        Scope               `json:"scope"`
	ProjectIDs   []string            `json:"projectIds"`
	CompanyIDs   []string            `json:"companyIds"`
	StateFilters map[string][]string `json:"stateFilters"`
	FieldGroups  map[string][]string `json:"fieldGroups"`

	// Degraded is set when a layer could not be read and fell back to its
	// default. Degraded canons are never cached and never enforced.
	Degraded bool `json:"-"`
}

// EmptyCanon is the canon of a user without role memberships: broadest scope,
// zero capabilities.
func EmptyCanon() Canon {
	return Canon{
		Caps:         map[string]Level{},
		Scope:        ScopeAllProjects,
		StateFilters: map[string][]string{},
		FieldGroups:  map[string][]string{},
	}
}

// Level returns the effective level for the resource key.
func (c Canon) Level(key ResourceKey) Level {
	return EffectiveLevel(c.Caps, key)
}

// Hash returns a deterministic content hash of the canon. encoding/json sorts
// map keys; slices are normalised here so ordering never changes the hash.
func (c Canon) Hash() string {
	normal := Canon{
		Caps:         c.Caps,
		Scope:        c.Scope,
		ProjectIDs:   sortedCopy(c.ProjectIDs),
		CompanyIDs:   sortedCopy(c.CompanyIDs),
		StateFilters: sortedValues(c.StateFilters),
		FieldGroups:  sortedValues(c.FieldGroups),
	}
	if normal.Caps == nil {
		normal.Caps = map[string]Level{}
	}
	payload, err := json.Marshal(normal)
	if err != nil {
		// Only strings and maps of strings are marshalled.
		panic(err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(in []string) []string {
	if in == nil {
		return nil
	}
	out := append(make([]string, 0, len(in)), in...)
	sort.Strings(out)
	return out
}

func sortedValues(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = sortedCopy(v)
	}
	return out
}

// uniqueSorted returns the distinct non-empty values of in, sorted. The result
// is never nil.
func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
