// Copyright 2025 James Ross
package pipeline

import (
	"testing"

	"github.com/jobrelay/jobrelay/internal/config"
)

func TestDefaultRules(t *testing.T) {
	rs, err := CompileRules(config.DefaultSuitabilityRules())
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		title string
		want  bool
	}{
		{"Senior Engineer", false},
		{"Sr. Developer", false},
		{"Lead Data Scientist", false},
		{"Principal Architect", false},
		{"Engineering Manager", false},
		{"Junior Developer", true},
		{"Jr. Analyst", true},
		{"Entry Level QA", true},
		{"Graduate Software Engineer", true},
		{"Intern - Data", true},
		{"Data Analyst", true},
		{"Software Engineer", true},
	}
	for _, c := range cases {
		ok, _ := rs.Evaluate(c.title)
		if ok != c.want {
			t.Errorf("Evaluate(%q) = %v, want %v", c.title, ok, c.want)
		}
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	rs, err := CompileRules([]config.SuitabilityRule{
		{Pattern: "intern", Decision: "accept"},
		{Pattern: "senior", Decision: "reject"},
	})
	if err != nil {
		t.Fatal(err)
	}
	// "Senior Intern" hits the accept rule first.
	if ok, _ := rs.Evaluate("Senior Intern"); !ok {
		t.Fatal("expected first matching rule to decide")
	}
}

func TestRejectedTitleReportsPattern(t *testing.T) {
	rs, _ := CompileRules(config.DefaultSuitabilityRules())
	ok, pattern := rs.Evaluate("Senior Engineer")
	if ok {
		t.Fatal("expected rejection")
	}
	if pattern == "" {
		t.Fatal("expected matched pattern for rejection")
	}
}

func TestBadPatternFailsCompile(t *testing.T) {
	_, err := CompileRules([]config.SuitabilityRule{{Pattern: "(", Decision: "reject"}})
	if err == nil {
		t.Fatal("expected compile error")
	}
}
