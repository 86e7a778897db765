package filter

import (
	"regexp"
	"sync/atomic"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// RedactedMarker replaces every secret match.
const RedactedMarker = "[REDACTED]"

// Built-in secret shapes. Matched case-sensitively except where noted; the
// key-value pattern covers the common "api_key: xxxx" spellings.
var secretPatterns = []*regexp.Regexp{
	// OpenAI-style keys.
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	// AWS access key ids.
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// Bearer tokens in header-shaped strings.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`),
	// PEM private key headers; the marker is enough to void the blob.
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	// Generic key=value / key: value assignments of credential-named keys.
	regexp.MustCompile(`(?i)(api[_-]?key|secret|access[_-]?token|password)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{12,}`),
}

// SecretRedactor is the redact_secrets built-in (default ON, both
// directions). It rewrites every matching string value; configured extra
// patterns from the active snapshot apply on top of the built-ins.
type SecretRedactor struct {
	cfg        *ConfigStore
	redactions atomic.Uint64
}

// NewSecretRedactor builds the filter against the given config store.
func NewSecretRedactor(cfg *ConfigStore) *SecretRedactor {
	return &SecretRedactor{cfg: cfg}
}

// Name implements Filter.
func (f *SecretRedactor) Name() string { return "redact_secrets" }

// Apply implements Filter.
func (f *SecretRedactor) Apply(msg *mcp.Message) Result {
	snap := f.cfg.Current()
	var n uint64
	out, changed := rewriteStrings(msg, func(s string) string {
		for _, re := range secretPatterns {
			if re.MatchString(s) {
				s = re.ReplaceAllString(s, RedactedMarker)
				n++
			}
		}
		for _, re := range snap.extraSecrets {
			if re.MatchString(s) {
				s = re.ReplaceAllString(s, RedactedMarker)
				n++
			}
		}
		return s
	})
	if !changed {
		return Pass()
	}
	f.redactions.Add(n)
	r := Transformed(out)
	r.Reason = "secret pattern"
	return r
}

// FilterMetrics implements MetricsProvider.
func (f *SecretRedactor) FilterMetrics() map[string]uint64 {
	return map[string]uint64{"redactions.secret": f.redactions.Load()}
}
