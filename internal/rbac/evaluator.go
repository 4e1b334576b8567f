package rbac

import "net/http"

// EffectiveLevel walks the key hierarchy from most to least specific and
// returns the first level present. A present entry always wins over broader
// ones, even when it is less permissive.
func EffectiveLevel(caps map[string]Level, key ResourceKey) Level {
	for _, k := range key.Keys() {
		if level, ok := caps[k]; ok {
			if !level.Valid() {
				return LevelNone
			}
			return level
		}
	}
	return LevelNone
}

// BuildCaps folds policies into a capability map, keeping the most
// permissive level per key.
func BuildCaps(policies []Policy) map[string]Level {
	caps := make(map[string]Level, len(policies))
	for _, p := range policies {
		if p.Module == "" {
			continue
		}
		key := p.Key().String()
		level := p.Level
		if !level.Valid() {
			level = LevelNone
		}
		if existing, ok := caps[key]; ok {
			caps[key] = MergeLevel(existing, level)
			continue
		}
		caps[key] = level
	}
	return caps
}

// RequiredLevel resolves the level a request needs: the explicit hint when
// given, otherwise view for safe methods and full for everything else.
func RequiredLevel(method string, hint Level) Level {
	if hint.Valid() {
		return hint
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return LevelView
	default:
		return LevelFull
	}
}
