package relay

import (
	"fmt"

	"github.com/zjrosen/strand/internal/relay/subject"
)

// AccessRule gates publishes by sender and target patterns. An empty
// pattern matches anything.
type AccessRule struct {
	ID    string `json:"id" mapstructure:"id" yaml:"id"`
	From  string `json:"from" mapstructure:"from" yaml:"from"`
	To    string `json:"to" mapstructure:"to" yaml:"to"`
	Allow bool   `json:"allow" mapstructure:"allow" yaml:"allow"`
}

// AccessConfig is the ordered rule set. Rules evaluate in insertion
// order and the first rule matching both sides decides. With no match
// the default is allow; DefaultDeny flips that for deployments that
// want an explicit allowlist.
type AccessConfig struct {
	DefaultDeny bool         `mapstructure:"default_deny" yaml:"default_deny"`
	Rules       []AccessRule `mapstructure:"rules" yaml:"rules"`
}

// checkAccess returns whether the publish may proceed and, when
// denied by a rule, the refusal reason.
func checkAccess(cfg AccessConfig, from, to string) (bool, string) {
	for _, rule := range cfg.Rules {
		if !ruleMatches(rule.From, from) || !ruleMatches(rule.To, to) {
			continue
		}
		if rule.Allow {
			return true, ""
		}
		return false, fmt.Sprintf("access denied: %s", rule.ID)
	}
	if cfg.DefaultDeny {
		return false, "access denied: default"
	}
	return true, ""
}

func ruleMatches(pattern, subj string) bool {
	if pattern == "" {
		return true
	}
	return subject.Matches(subj, pattern)
}
