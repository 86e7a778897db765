package filter

import (
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// HTML fragments the sanitizer strips. Matching is regex-based; values here
// are content snippets, not full documents, so tag-balanced parsing is not
// required.
var (
	scriptBlockRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	iframeBlockRe = regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>|<iframe\b[^>]*/?>`)
	eventAttrRe   = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsURLRe       = regexp.MustCompile(`(?i)(href|src|action)\s*=\s*(["']?)\s*javascript:[^"'>\s]*`)
	trackerImgRe  = regexp.MustCompile(`(?is)<img\b[^>]*\b(width|height)\s*=\s*["']?0*1["']?[^>]*/?>`)
	htmlTagRe     = regexp.MustCompile(`(?s)<[a-zA-Z/!][^>]*>`)
	multiSpaceRe  = regexp.MustCompile(`[ \t]{2,}`)
	multiBlankRe  = regexp.MustCompile(`\n{3,}`)
)

// HTMLSanitizer strips script blocks, iframes, inline event handlers,
// javascript: URLs, and tracking-pixel images from string values that look
// like HTML, then normalizes whitespace. Runs on the inbound direction: the
// child's responses are the untrusted HTML source.
type HTMLSanitizer struct {
	cfg       *ConfigStore
	sanitized atomic.Uint64
}

// NewHTMLSanitizer builds the filter against the given config store.
func NewHTMLSanitizer(cfg *ConfigStore) *HTMLSanitizer {
	return &HTMLSanitizer{cfg: cfg}
}

// Name implements Filter.
func (f *HTMLSanitizer) Name() string { return "html_sanitizer" }

// looksLikeHTML is the content sniff: any tag-shaped run qualifies.
func looksLikeHTML(s string) bool {
	return strings.ContainsRune(s, '<') && htmlTagRe.MatchString(s)
}

// Apply implements Filter.
func (f *HTMLSanitizer) Apply(msg *mcp.Message) Result {
	snap := f.cfg.Current()
	if !snap.RemoveScripts && !snap.RemoveTrackers {
		return Pass()
	}

	var n uint64
	out, changed := rewriteStrings(msg, func(s string) string {
		if !looksLikeHTML(s) {
			return s
		}
		orig := s
		if snap.RemoveScripts {
			s = scriptBlockRe.ReplaceAllString(s, "")
			s = iframeBlockRe.ReplaceAllString(s, "")
			s = eventAttrRe.ReplaceAllString(s, "")
			s = jsURLRe.ReplaceAllString(s, `$1=$2`)
		}
		if snap.RemoveTrackers {
			s = trackerImgRe.ReplaceAllString(s, "")
		}
		if s != orig {
			s = multiSpaceRe.ReplaceAllString(s, " ")
			s = multiBlankRe.ReplaceAllString(s, "\n\n")
			n++
		}
		return s
	})
	if !changed {
		return Pass()
	}
	f.sanitized.Add(n)
	r := Transformed(out)
	r.Reason = "html"
	return r
}

// FilterMetrics implements MetricsProvider.
func (f *HTMLSanitizer) FilterMetrics() map[string]uint64 {
	return map[string]uint64{"sanitized": f.sanitized.Load()}
}
