// Copyright 2025 James Ross
package pipeline

import (
	"strings"
)

// Analyzer annotates a job. Implementations must be pure and idempotent:
// same input map, same annotations, no I/O. The pipeline never depends on
// the annotation schema.
type Analyzer interface {
	Analyze(job map[string]any) (map[string]any, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(job map[string]any) (map[string]any, error)

func (f AnalyzerFunc) Analyze(job map[string]any) (map[string]any, error) { return f(job) }

var knownSkills = []string{
	"python", "go", "golang", "java", "javascript", "typescript", "sql",
	"react", "docker", "kubernetes", "aws", "gcp", "azure", "terraform",
	"linux", "redis", "postgres", "kafka", "spark",
}

// KeywordAnalyzer is the stock annotator: a cheap keyword scan over title
// and summary producing skill and seniority hints. Deployments swap in a
// richer analyzer behind the same interface.
func KeywordAnalyzer() Analyzer {
	return AnalyzerFunc(func(job map[string]any) (map[string]any, error) {
		title, _ := job["title"].(string)
		summary, _ := job["summary"].(string)
		text := strings.ToLower(title + " " + summary)

		var skills []string
		for _, s := range knownSkills {
			if strings.Contains(text, s) {
				skills = append(skills, s)
			}
		}

		seniority := "mid"
		switch {
		case strings.Contains(text, "senior") || strings.Contains(text, "principal") || strings.Contains(text, "staff"):
			seniority = "senior"
		case strings.Contains(text, "junior") || strings.Contains(text, "entry") || strings.Contains(text, "graduate") || strings.Contains(text, "intern"):
			seniority = "entry"
		}

		remote := strings.Contains(text, "remote") || strings.Contains(text, "work from home")

		annotations := map[string]any{
			"skills":     skills,
			"seniority":  seniority,
			"remote":     remote,
			"word_count": len(strings.Fields(summary)),
		}
		return annotations, nil
	})
}
