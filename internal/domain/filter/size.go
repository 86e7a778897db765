package filter

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// summarySentences is how many leading sentences a summarized field keeps.
const summarySentences = 3

// SizeManager trims oversized response strings: fields beyond
// summarize_threshold are cut to their first sentences with a truncation
// note, fields beyond hard_truncate are replaced outright. Inbound only;
// client requests are never rewritten for size.
type SizeManager struct {
	cfg        *ConfigStore
	summarized atomic.Uint64
	truncated  atomic.Uint64
}

// NewSizeManager builds the filter against the given config store.
func NewSizeManager(cfg *ConfigStore) *SizeManager {
	return &SizeManager{cfg: cfg}
}

// Name implements Filter.
func (f *SizeManager) Name() string { return "size_manager" }

// Apply implements Filter.
func (f *SizeManager) Apply(msg *mcp.Message) Result {
	snap := f.cfg.Current()
	if snap.SummarizeThreshold <= 0 && snap.HardTruncate <= 0 {
		return Pass()
	}

	out, changed := rewriteStrings(msg, func(s string) string {
		if snap.HardTruncate > 0 && len(s) > snap.HardTruncate {
			f.truncated.Add(1)
			return fmt.Sprintf("[TRUNCATED: original length %d]", len(s))
		}
		if snap.SummarizeThreshold > 0 && len(s) > snap.SummarizeThreshold {
			f.summarized.Add(1)
			return fmt.Sprintf("%s … [truncated, original length %d]",
				leadingSentences(s, summarySentences), len(s))
		}
		return s
	})
	if !changed {
		return Pass()
	}
	r := Transformed(out)
	r.Reason = "size"
	return r
}

// leadingSentences returns the first n sentences of s, or a fixed-length
// prefix when no sentence boundaries are found.
func leadingSentences(s string, n int) string {
	count := 0
	for i, r := range s {
		switch r {
		case '.', '!', '?':
			count++
			if count == n {
				return strings.TrimSpace(s[:i+1])
			}
		}
	}
	// No boundaries; fall back to a prefix well under the threshold.
	const prefixLen = 500
	if len(s) > prefixLen {
		return strings.TrimSpace(s[:prefixLen])
	}
	return s
}

// FilterMetrics implements MetricsProvider.
func (f *SizeManager) FilterMetrics() map[string]uint64 {
	return map[string]uint64{
		"summarized": f.summarized.Load(),
		"truncated":  f.truncated.Load(),
	}
}
