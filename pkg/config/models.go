package config

// Model aliases accepted by `!poc run --model`. Raw identifiers are passed
// through untouched so new models work without a release.
var modelAliases = map[string]string{
	"opus":   "claude-opus-4-1-20250805",
	"sonnet": "claude-sonnet-4-5-20250929",
	"haiku":  "claude-3-5-haiku-20241022",
}

// ResolveModel maps an alias to a full model identifier. Unknown values are
// returned as-is; empty input resolves to the default model.
func ResolveModel(alias string) string {
	if alias == "" {
		return DefaultModel
	}
	if id, ok := modelAliases[alias]; ok {
		return id
	}
	return alias
}
