// Package router decides where a request runs: the classifier maps a prompt
// and file set to a task category, and the router resolves that category to
// a primary service plus ordered fallbacks under live availability.
package router

import (
	"os"
	"strings"
)

// Category is the classifier's discrete label for a request.
type Category string

const (
	CategoryCodeGeneration   Category = "code_generation"
	CategoryCodeReview       Category = "code_review"
	CategoryBugSearch        Category = "bug_search"
	CategoryRefactor         Category = "refactor"
	CategoryDocumentation    Category = "documentation"
	CategoryCodebaseAnalysis Category = "codebase_analysis"
	CategoryQuickQuery       Category = "quick_query"
	CategoryGeneral          Category = "general"
)

// Categories lists every category in classifier examination order.
func Categories() []Category {
	return []Category{
		CategoryCodeGeneration, CategoryCodeReview, CategoryBugSearch,
		CategoryRefactor, CategoryDocumentation, CategoryCodebaseAnalysis,
		CategoryQuickQuery, CategoryGeneral,
	}
}

// Valid reports whether s names a known category.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// TaskInfo is the classifier's immutable verdict on one request.
type TaskInfo struct {
	Category    Category
	FileCount   int
	TotalBytes  int64
	UseParallel bool
	// Recommended orders service ids by fit for the category; the router
	// uses it when no routing rule is configured.
	Recommended []string
}

// keywordRule matches any of its keywords against the lowercased prompt.
// Rules are examined in slice order; the first hit wins.
type keywordRule struct {
	keywords []string
	category Category
}

// classifierRules is the fixed keyword table. Order matters: earlier rules
// break ties.
var classifierRules = []keywordRule{
	{[]string{"refactor", "restructure", "clean up", "cleanup"}, CategoryRefactor},
	{[]string{"review", "critique", "look over", "check my"}, CategoryCodeReview},
	{[]string{"bug", "fix", "error", "crash", "broken", "not working"}, CategoryBugSearch},
	{[]string{"document", "docstring", "readme", "comment"}, CategoryDocumentation},
	{[]string{"explain architecture", "analyze codebase", "analyse codebase", "understand the codebase"}, CategoryCodebaseAnalysis},
	{[]string{"write", "create", "implement", "generate", "build a", "add a"}, CategoryCodeGeneration},
}

// defaultRecommendations is the fixed per-category service priority list.
// The router may still override via configured routing rules.
var defaultRecommendations = map[Category][]string{
	CategoryCodeGeneration:   {"claude_cli", "ollama", "lmstudio"},
	CategoryCodeReview:       {"claude_cli", "ollama"},
	CategoryBugSearch:        {"ollama", "claude_cli", "lmstudio"},
	CategoryRefactor:         {"claude_cli", "ollama"},
	CategoryDocumentation:    {"ollama", "lmstudio"},
	CategoryCodebaseAnalysis: {"ollama", "lmstudio", "claude_cli"},
	CategoryQuickQuery:       {"ollama", "lmstudio"},
	CategoryGeneral:          {"ollama", "lmstudio", "claude_cli"},
}

// quickQueryMaxLen is the prompt length under which a file-less request
// counts as a quick query.
const quickQueryMaxLen = 80

// Classifier maps (prompt, files) to a TaskInfo. Same inputs always produce
// the same verdict: the rule table is fixed and evaluated in order.
type Classifier struct {
	// parallelThreshold is the file count above which the parallelism hint
	// is set.
	parallelThreshold int
	// analysisThreshold is the file count above which the request is forced
	// into codebase analysis.
	analysisThreshold int
}

// NewClassifier builds a classifier with the configured file thresholds.
func NewClassifier(parallelThreshold, analysisThreshold int) *Classifier {
	if parallelThreshold <= 0 {
		parallelThreshold = 3
	}
	if analysisThreshold <= 0 {
		analysisThreshold = 10
	}
	return &Classifier{parallelThreshold: parallelThreshold, analysisThreshold: analysisThreshold}
}

// Classify produces the task info for one request.
func (c *Classifier) Classify(prompt string, files []string) TaskInfo {
	info := TaskInfo{
		FileCount:  len(files),
		TotalBytes: totalSize(files),
	}

	lower := strings.ToLower(prompt)
	info.Category = CategoryGeneral
	for _, rule := range classifierRules {
		if matchesAny(lower, rule.keywords) {
			info.Category = rule.category
			break
		}
	}
	if info.Category == CategoryGeneral && len(files) == 0 && len(strings.TrimSpace(prompt)) <= quickQueryMaxLen {
		info.Category = CategoryQuickQuery
	}

	// File-count overrides: enough files forces whole-codebase analysis,
	// and anything over the parallel threshold is worth sharding.
	if len(files) > c.analysisThreshold {
		info.Category = CategoryCodebaseAnalysis
	}
	if len(files) > c.parallelThreshold {
		info.UseParallel = true
	}

	info.Recommended = append([]string(nil), defaultRecommendations[info.Category]...)
	return info
}

func matchesAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// totalSize sums attachment sizes; unreadable entries count zero.
func totalSize(files []string) int64 {
	var total int64
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && !info.IsDir() {
			total += info.Size()
		}
	}
	return total
}
