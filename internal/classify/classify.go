// Package classify routes inbound tasks to agent categories, first by
// deterministic pattern scoring, then by a model fallback for ambiguous
// input.
package classify

import (
	"regexp"
	"sort"
	"strings"
)

// Category is an agent routing class.
type Category string

const (
	CategoryBrowser  Category = "browser"
	CategoryCoder    Category = "coder"
	CategorySystem   Category = "system"
	CategoryResearch Category = "research"
	CategoryFile     Category = "file"
	CategoryMulti    Category = "multi"
	CategoryChat     Category = "chat"
)

// Classification is the routing decision for one task.
type Classification struct {
	Category   Category `json:"category"`
	Agents     []string `json:"agents"`
	Confidence float64  `json:"confidence"`
	NeedsModel bool     `json:"needs_model"`
}

var categoryPatterns = map[Category][]*regexp.Regexp{
	CategoryBrowser: compileAll(
		`\bbrowser\b`, `\bclick\b`, `\bbutton\b`, `\bwebsite\b`, `\bnavigate\b`,
		`\burl\b`, `\blog\s?in\b`, `\bform\b`, `\bweb page\b`, `\bscreenshot\b`,
		`\bopen https?://`,
	),
	CategoryCoder: compileAll(
		`\bcode\b`, `\bscript\b`, `\bfunction\b`, `\bdebug\b`, `\bcompile\b`,
		`\bpython\b`, `\bgolang\b`, `\brefactor\b`, `\bbug\b`, `\bunit test\b`,
		`\bwrite a program\b`, `\bimplement\b`,
	),
	CategorySystem: compileAll(
		`\binstall\b`, `\bprocess\b`, `\bservice\b`, `\bcpu\b`, `\bmemory usage\b`,
		`\bdisk\b`, `\brestart\b`, `\bshell\b`, `\brun the command\b`, `\bcron\b`,
		`\bkill the\b`,
	),
	CategoryResearch: compileAll(
		`\bsearch\b`, `\bresearch\b`, `\blook up\b`, `\bfind out\b`, `\bsummarize\b`,
		`\bnews\b`, `\bcompare\b`, `\blearn about\b`, `\bwhat is the latest\b`,
	),
	CategoryFile: compileAll(
		`\bfile\b`, `\bfolder\b`, `\bdirectory\b`, `\brename\b`, `\bmove\b`,
		`\bcopy\b`, `\bdelete\b`, `\borganize\b`, `\bdownload\b`,
	),
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// shortChatWords is the length under which an unmatched task is treated as
// small talk rather than sent to the model.
const shortChatWords = 6

// Classify scores the task against every category's pattern list. It is a
// pure function of its input: same string, same result, no side effects.
func Classify(task string) Classification {
	lower := strings.ToLower(task)

	scores := make(map[Category]int, len(categoryPatterns))
	for category, patterns := range categoryPatterns {
		for _, p := range patterns {
			if p.MatchString(lower) {
				scores[category]++
			}
		}
	}

	ranked := rank(scores)
	top, second := scoreAt(ranked, 0), scoreAt(ranked, 1)

	switch {
	case top == 0:
		if len(strings.Fields(task)) <= shortChatWords {
			return Classification{Category: CategoryChat, Confidence: 0.9}
		}
		return Classification{Category: CategoryChat, Confidence: 0.2, NeedsModel: true}

	case top >= 2 && second >= 2:
		var agents []string
		for _, rc := range ranked {
			if rc.score >= 2 {
				agents = append(agents, string(rc.category))
			}
		}
		return Classification{Category: CategoryMulti, Agents: agents, Confidence: 0.8}

	case top >= 2:
		category := ranked[0].category
		return Classification{Category: category, Agents: []string{string(category)}, Confidence: 0.9}

	default:
		category := ranked[0].category
		return Classification{
			Category:   category,
			Agents:     []string{string(category)},
			Confidence: 0.5,
			NeedsModel: true,
		}
	}
}

type rankedCategory struct {
	category Category
	score    int
}

// rank orders categories by score descending, then by name for determinism.
func rank(scores map[Category]int) []rankedCategory {
	out := make([]rankedCategory, 0, len(scores))
	for category, score := range scores {
		out = append(out, rankedCategory{category, score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].category < out[j].category
	})
	return out
}

func scoreAt(ranked []rankedCategory, i int) int {
	if i >= len(ranked) {
		return 0
	}
	return ranked[i].score
}
