package openai

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/maciekb2/content-pipeline/pkg/flow"
)

// verdict mirrors flow.AnalysisResult with a pointer so a reply that omits
// the decision is not read as a rejection.
type verdict struct {
	Approved *bool    `json:"approved"`
	Keywords []string `json:"keywords"`
	Reason   string   `json:"reason"`
}

var errNoDecision = errors.New("reply has no approved field")

// stripFences removes markdown code fences models like to wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject returns the outermost {...} span, dropping any prose around it.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// dropTrailingCommas removes commas directly before a closing brace or
// bracket, outside of string literals.
func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func parseVerdict(raw string) (flow.AnalysisResult, error) {
	text := dropTrailingCommas(extractObject(stripFences(raw)))
	var v verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return flow.AnalysisResult{}, err
	}
	if v.Approved == nil {
		return flow.AnalysisResult{}, errNoDecision
	}
	keywords := make([]string, 0, len(v.Keywords))
	for _, k := range v.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	return flow.AnalysisResult{
		Approved: *v.Approved,
		Keywords: keywords,
		Reason:   strings.TrimSpace(v.Reason),
	}, nil
}
