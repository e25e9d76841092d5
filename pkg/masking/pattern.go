package masking

import (
	"regexp"
	"sort"
)

// CompiledPattern is one ready-to-apply redaction rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

type patternSpec struct {
	pattern     string
	replacement string
	description string
}

// builtinPatterns are the stock redaction rules. They match the secret
// token itself (or keep surrounding structure via capture groups) so that
// masked JSON stays parseable.
var builtinPatterns = map[string]patternSpec{
	"api_key": {
		pattern:     `\bsk-[A-Za-z0-9_-]{20,}\b`,
		replacement: "***MASKED_API_KEY***",
		description: "provider secret keys (sk- prefix)",
	},
	"aws_access_key": {
		pattern:     `\bAKIA[0-9A-Z]{16}\b`,
		replacement: "***MASKED_AWS_KEY***",
		description: "AWS access key ids",
	},
	"github_token": {
		pattern:     `\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
		replacement: "***MASKED_TOKEN***",
		description: "GitHub personal access tokens",
	},
	"bearer_token": {
		pattern:     `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
		replacement: "Bearer ***MASKED_TOKEN***",
		description: "Authorization bearer tokens",
	},
	"url_credentials": {
		pattern:     `(?i)\b([a-z][a-z0-9+.-]*://[^:/?#\s]+:)[^@\s]+@`,
		replacement: "${1}***MASKED***@",
		description: "credentials embedded in URLs",
	},
	"secret_field": {
		pattern:     `(?i)("(?:password|passwd|secret|api_key|apikey|access_token|token)"\s*:\s*")((?:[^"\\]|\\.)+)(")`,
		replacement: "${1}***MASKED***${3}",
		description: "secret-bearing JSON fields",
	},
	"private_key": {
		pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: "***MASKED_PRIVATE_KEY***",
		description: "PEM private key blocks",
	},
}

// builtinNames returns the built-in pattern names in a fixed order so the
// compiled set, and therefore replacement behavior, is deterministic.
func builtinNames() []string {
	names := make([]string, 0, len(builtinPatterns))
	for name := range builtinPatterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
