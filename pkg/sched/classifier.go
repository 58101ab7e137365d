package sched

import "strings"

// Task type labels produced by the classifier and shown to the UI.
const (
	LabelCode     = "code"
	LabelResearch = "research"
	LabelMath     = "math"
	LabelReview   = "review"
	LabelChat     = "chat"
)

// classifierRules maps keywords to labels; first match wins, scanning in
// rule order.
var classifierRules = []struct {
	label    string
	keywords []string
}{
	{LabelCode, []string{"code", "implement", "function", "bug", "compile", "refactor", "script"}},
	{LabelMath, []string{"calculate", "sum", "multiply", "divide", "equation", "math"}},
	{LabelResearch, []string{"research", "find", "search", "investigate", "look up", "compare"}},
	{LabelReview, []string{"review", "check", "verify", "audit", "proofread"}},
}

// labelTags maps a label to the agent tags that make an agent suitable for
// it.
var labelTags = map[string][]string{
	LabelCode:     {"build", "code"},
	LabelMath:     {"math", "analysis"},
	LabelResearch: {"research", "analysis"},
	LabelReview:   {"review", "analysis"},
	LabelChat:     {"chat", "general"},
}

// ClassifyInput derives the task type label from the submission text.
// Unmatched inputs are plain chat.
func ClassifyInput(input string) string {
	lower := strings.ToLower(input)
	for _, rule := range classifierRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.label
			}
		}
	}
	return LabelChat
}
