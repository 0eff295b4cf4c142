// Copyright 2025 James Ross
package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jobrelay/jobrelay/internal/config"
)

// RuleSet is a compiled ordered list of title rules. The first matching rule
// decides; a title matching no rule is accepted.
type RuleSet struct {
	rules []compiledRule
}

type compiledRule struct {
	re     *regexp.Regexp
	accept bool
	source string
}

func CompileRules(rules []config.SuitabilityRule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile suitability rule %q: %w", r.Pattern, err)
		}
		rs.rules = append(rs.rules, compiledRule{re: re, accept: r.Decision == "accept", source: r.Pattern})
	}
	return rs, nil
}

// Evaluate returns whether the title is suitable and, for rejections, the
// pattern that matched.
func (rs *RuleSet) Evaluate(title string) (bool, string) {
	t := strings.ToLower(title)
	for _, r := range rs.rules {
		if r.re.MatchString(t) {
			return r.accept, r.source
		}
	}
	return true, ""
}
