package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// Redaction markers, one per PII kind.
const (
	EmailMarker = "[EMAIL_REDACTED]"
	PhoneMarker = "[PHONE_REDACTED]"
	SSNMarker   = "[SSN_REDACTED]"
	CCMarker    = "[CC_REDACTED]"
)

// base64RunMinLen is the shortest base64-looking run treated as binary
// content and skipped, so digit groups inside encoded blobs are not
// mistaken for card or phone numbers.
const base64RunMinLen = 64

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	// North-American shapes with optional +1, separators optional.
	phoneRe = regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)
	// SSNs excluding the never-issued 000/666/9xx area prefixes.
	ssnRe = regexp.MustCompile(`\b(?:00[1-9]|0[1-9]\d|[1-5]\d{2}|6[0-57-9]\d|66[0-57-9]|[78]\d{2})-\d{2}-\d{4}\b`)
	// Visa, MasterCard, Amex, Discover shapes, separators optional.
	ccRe = regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|6011|3[47]\d{2})[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{1,4}\b`)

	base64RunRe = regexp.MustCompile(fmt.Sprintf(`[A-Za-z0-9+/]{%d,}={0,2}`, base64RunMinLen))
)

// PIIRedactor replaces emails, phone numbers, SSNs, and credit-card-shaped
// digit groups with fixed markers. Long base64 runs are left alone.
type PIIRedactor struct {
	cfg *ConfigStore

	emails atomic.Uint64
	phones atomic.Uint64
	ssns   atomic.Uint64
	cards  atomic.Uint64
}

// NewPIIRedactor builds the filter against the given config store.
func NewPIIRedactor(cfg *ConfigStore) *PIIRedactor {
	return &PIIRedactor{cfg: cfg}
}

// Name implements Filter.
func (f *PIIRedactor) Name() string { return "pii_redactor" }

// Apply implements Filter.
func (f *PIIRedactor) Apply(msg *mcp.Message) Result {
	snap := f.cfg.Current()
	if !snap.RedactEmails && !snap.RedactPhones && !snap.RedactSSNs && !snap.RedactCreditCards {
		return Pass()
	}

	out, changed := rewriteStrings(msg, func(s string) string {
		return f.redactOutsideBase64(snap, s)
	})
	if !changed {
		return Pass()
	}
	r := Transformed(out)
	r.Reason = "pii"
	return r
}

// redactOutsideBase64 applies the redactions to every segment of s that is
// not part of a long base64 run.
func (f *PIIRedactor) redactOutsideBase64(snap *Snapshot, s string) string {
	runs := base64RunRe.FindAllStringIndex(s, -1)
	if runs == nil {
		return f.redact(snap, s)
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, run := range runs {
		b.WriteString(f.redact(snap, s[last:run[0]]))
		b.WriteString(s[run[0]:run[1]])
		last = run[1]
	}
	b.WriteString(f.redact(snap, s[last:]))
	return b.String()
}

// redact applies the enabled redaction kinds to one segment. Order matters:
// SSNs before phones, because an SSN also matches the loose phone shape.
func (f *PIIRedactor) redact(snap *Snapshot, s string) string {
	if snap.RedactEmails {
		s = replaceCounting(s, emailRe, EmailMarker, &f.emails)
	}
	if snap.RedactSSNs {
		s = replaceCounting(s, ssnRe, SSNMarker, &f.ssns)
	}
	if snap.RedactCreditCards {
		s = replaceCounting(s, ccRe, CCMarker, &f.cards)
	}
	if snap.RedactPhones {
		s = replaceCounting(s, phoneRe, PhoneMarker, &f.phones)
	}
	return s
}

// replaceCounting substitutes every match and bumps the counter per match.
func replaceCounting(s string, re *regexp.Regexp, marker string, counter *atomic.Uint64) string {
	n := len(re.FindAllStringIndex(s, -1))
	if n == 0 {
		return s
	}
	counter.Add(uint64(n))
	return re.ReplaceAllString(s, marker)
}

// FilterMetrics implements MetricsProvider: per-kind redaction counts, the
// shape the /filters/metrics endpoint reports.
func (f *PIIRedactor) FilterMetrics() map[string]uint64 {
	return map[string]uint64{
		"redactions.email":       f.emails.Load(),
		"redactions.phone":       f.phones.Load(),
		"redactions.ssn":         f.ssns.Load(),
		"redactions.credit_card": f.cards.Load(),
	}
}
