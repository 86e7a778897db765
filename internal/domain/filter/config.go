package filter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config is the hot-reloadable content-filter configuration. JSON is the
// primary format; YAML is accepted by file extension.
type Config struct {
	BlockedDomains  []string `json:"blocked_domains" yaml:"blocked_domains"`
	BlockedKeywords []string `json:"blocked_keywords" yaml:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" yaml:"blocked_patterns"`

	RedactEmails      bool `json:"redact_emails" yaml:"redact_emails"`
	RedactPhones      bool `json:"redact_phones" yaml:"redact_phones"`
	RedactSSNs        bool `json:"redact_ssns" yaml:"redact_ssns"`
	RedactCreditCards bool `json:"redact_credit_cards" yaml:"redact_credit_cards"`

	RemoveScripts  bool `json:"remove_scripts" yaml:"remove_scripts"`
	RemoveTrackers bool `json:"remove_trackers" yaml:"remove_trackers"`

	MaxResponseLength  int `json:"max_response_length" yaml:"max_response_length"`
	SummarizeThreshold int `json:"summarize_threshold" yaml:"summarize_threshold"`
	HardTruncate       int `json:"hard_truncate" yaml:"hard_truncate"`

	ExtraSecretPatterns []string  `json:"extra_secret_patterns" yaml:"extra_secret_patterns"`
	CELRules            []CELRule `json:"cel_rules" yaml:"cel_rules"`
}

// CELRule is one user-supplied policy rule for the cel_policy filter.
type CELRule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
	// Action is "block" or "drop".
	Action string `json:"action" yaml:"action"`
}

// DefaultConfig returns the configuration used when no filter-config file is
// given: all redaction and sanitization on, thresholds per the defaults.
func DefaultConfig() Config {
	return Config{
		RedactEmails:       true,
		RedactPhones:       true,
		RedactSSNs:         true,
		RedactCreditCards:  true,
		RemoveScripts:      true,
		RemoveTrackers:     true,
		MaxResponseLength:  15000,
		SummarizeThreshold: 5000,
		HardTruncate:       25000,
	}
}

// LoadConfigFile reads a filter config from a JSON or YAML file, layered
// over the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read filter config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse filter config %s: %w", path, err)
	}
	return cfg, nil
}

// RuleProgram is one compiled cel_policy rule, evaluated per message.
type RuleProgram interface {
	// Eval decides whether the rule fires for a message with the given
	// method, direction, session id, and wire size.
	Eval(method, direction, session string, size int) (bool, error)
}

// RuleCompiler validates and compiles CEL rule expressions. The concrete
// implementation lives in the cel adapter; a nil compiler rejects configs
// that carry rules.
type RuleCompiler interface {
	Compile(expression string) (RuleProgram, error)
}

// CompiledRule pairs a compiled program with its configured action.
type CompiledRule struct {
	Name    string
	Action  Action // ActionBlock or ActionDrop
	Program RuleProgram
}

// Snapshot is an immutable, validated, pre-compiled view of a Config.
// Filters read the current snapshot per invocation; a hot reload swaps the
// pointer and in-flight calls finish under the snapshot they started with.
type Snapshot struct {
	Config

	blockedPatterns []*regexp.Regexp
	extraSecrets    []*regexp.Regexp
	rules           []CompiledRule
}

// compile validates cfg and builds a snapshot. All regexes and CEL rules
// must compile; thresholds must be ordered.
func compile(cfg Config, rc RuleCompiler) (*Snapshot, error) {
	s := &Snapshot{Config: cfg}

	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("blocked_patterns %q: %w", p, err)
		}
		s.blockedPatterns = append(s.blockedPatterns, re)
	}
	for _, p := range cfg.ExtraSecretPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("extra_secret_patterns %q: %w", p, err)
		}
		s.extraSecrets = append(s.extraSecrets, re)
	}

	if cfg.SummarizeThreshold > 0 && cfg.HardTruncate > 0 && cfg.HardTruncate < cfg.SummarizeThreshold {
		return nil, fmt.Errorf("hard_truncate (%d) must not be below summarize_threshold (%d)",
			cfg.HardTruncate, cfg.SummarizeThreshold)
	}

	for _, r := range cfg.CELRules {
		if r.Name == "" {
			return nil, fmt.Errorf("cel_rules: rule without a name")
		}
		var action Action
		switch r.Action {
		case "block":
			action = ActionBlock
		case "drop":
			action = ActionDrop
		default:
			return nil, fmt.Errorf("cel_rules %q: action must be block or drop, got %q", r.Name, r.Action)
		}
		if rc == nil {
			return nil, fmt.Errorf("cel_rules %q: no rule compiler available", r.Name)
		}
		prog, err := rc.Compile(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("cel_rules %q: %w", r.Name, err)
		}
		s.rules = append(s.rules, CompiledRule{Name: r.Name, Action: action, Program: prog})
	}
	return s, nil
}

// ConfigStore holds the current filter-config snapshot behind an atomic
// pointer. Replace validates the full new config before swapping, so an
// invalid update leaves the running config untouched.
type ConfigStore struct {
	snap     atomic.Pointer[Snapshot]
	compiler RuleCompiler
}

// NewConfigStore compiles the initial config and returns the store.
func NewConfigStore(cfg Config, rc RuleCompiler) (*ConfigStore, error) {
	st := &ConfigStore{compiler: rc}
	if err := st.Replace(cfg); err != nil {
		return nil, err
	}
	return st, nil
}

// Current returns the active snapshot. Never nil after construction.
func (st *ConfigStore) Current() *Snapshot {
	return st.snap.Load()
}

// Replace validates and compiles cfg, then atomically swaps it in.
func (st *ConfigStore) Replace(cfg Config) error {
	snap, err := compile(cfg, st.compiler)
	if err != nil {
		return err
	}
	st.snap.Store(snap)
	return nil
}
