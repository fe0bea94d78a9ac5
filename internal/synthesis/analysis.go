package synthesis

import (
	"sort"
	"strings"

	"github.com/flemzord/tiermem/internal/memory"
	"github.com/flemzord/tiermem/internal/synth"
)

// Topic names. "general" is used when no other topic is detected.
const (
	TopicTechnical = "technical"
	TopicPlanning  = "planning"
	TopicBusiness  = "business"
	TopicSupport   = "support"
	TopicLearning  = "learning"
	TopicGeneral   = "general"
)

var topicWords = map[string][]string{
	TopicTechnical: {"code", "bug", "error", "api", "database", "server", "deploy", "function", "system", "software", "config", "build"},
	TopicPlanning:  {"plan", "schedule", "deadline", "milestone", "roadmap", "timeline", "meeting", "goal", "sprint"},
	TopicBusiness:  {"customer", "revenue", "market", "sales", "budget", "cost", "strategy", "client", "contract"},
	TopicSupport:   {"help", "issue", "problem", "support", "ticket", "broken", "question", "stuck"},
	TopicLearning:  {"learn", "understand", "explain", "tutorial", "study", "course", "concept", "example"},
}

// actionWords mark work still to be done. Matching is on whole tokens so
// "fixed" is not an action while "fix" is.
var actionWords = []string{
	"fix", "implement", "create", "update", "add", "remove", "review",
	"deploy", "test", "schedule", "investigate", "todo", "need", "should", "must",
}

var (
	problemWords    = []string{"error", "bug", "issue", "problem", "broken", "fail", "failed", "failing", "failure", "crash", "wrong", "stuck"}
	solutionWords   = []string{"try", "fix", "solution", "approach", "implement", "change", "workaround", "suggest", "patch", "instead"}
	completionWords = []string{"fixed", "done", "resolved", "completed", "complete", "finished", "works", "working", "solved", "shipped", "merged"}
)

// Caps and weights of the importance analysis.
const (
	topicWeight      = 0.05
	topicCap         = 0.3
	actionWeight     = 0.1
	actionCap        = 0.3
	completionWeight = 0.1
	completionCap    = 0.2
	countWeight      = 0.01
	countCap         = 0.1
	lengthDivisor    = 5000.0
	lengthCap        = 0.1

	importanceThreshold = 0.6
	maxActionChars      = 200
)

// analysis is the keyword breakdown of a chunk.
type analysis struct {
	topicHits      int
	topics         []string
	actionHits     int
	actions        []string
	completionHits int
	resolves       []string
	stages         []memory.Stage
	importance     float64
}

func analyze(messages []string) analysis {
	text := strings.Join(messages, "\n")
	words := memory.Words(text)

	var a analysis
	topicCounts := make(map[string]int)
	for topic, vocab := range topicWords {
		n := countTokens(words, vocab)
		if n > 0 {
			topicCounts[topic] = n
			a.topicHits += n
		}
	}
	a.topics = rankTopics(topicCounts)

	a.actionHits = countTokens(words, actionWords)
	a.completionHits = countTokens(words, completionWords)

	for _, s := range synth.Sentences(text) {
		if countTokens(memory.Words(s), actionWords) > 0 {
			a.actions = memory.AppendUnique(a.actions, clip(s, maxActionChars))
		}
	}
	if a.completionHits > 0 {
		a.resolves = resolvedActions(words)
	}

	if countTokens(words, problemWords) > 0 {
		a.stages = append(a.stages, memory.StageProblem)
	}
	if countTokens(words, solutionWords) > 0 {
		a.stages = append(a.stages, memory.StageSolution)
	}
	if a.completionHits > 0 {
		a.stages = append(a.stages, memory.StageCompletion)
	}

	a.importance = min(topicCap, topicWeight*float64(a.topicHits)) +
		min(actionCap, actionWeight*float64(a.actionHits)) +
		min(completionCap, completionWeight*float64(a.completionHits)) +
		min(countCap, countWeight*float64(len(messages))) +
		min(lengthCap, float64(len(text))/lengthDivisor)
	a.importance = memory.Clamp01(a.importance)
	return a
}

func countTokens(words, vocab []string) int {
	var n int
	for _, w := range words {
		for _, v := range vocab {
			if w == v {
				n++
				break
			}
		}
	}
	return n
}

// rankTopics orders topics by hit count, then name. An empty map yields
// the general topic.
func rankTopics(counts map[string]int) []string {
	if len(counts) == 0 {
		return []string{TopicGeneral}
	}
	topics := make([]string, 0, len(counts))
	for t := range counts {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	return topics
}

// detectTopic returns the dominant topic of a piece of text.
func detectTopic(text string) string {
	words := memory.Words(text)
	counts := make(map[string]int)
	for topic, vocab := range topicWords {
		if n := countTokens(words, vocab); n > 0 {
			counts[topic] = n
		}
	}
	return rankTopics(counts)[0]
}

// resolvedActions returns the action words some token is an inflection
// of, so "fixed" resolves "fix" and "deployed" resolves "deploy".
func resolvedActions(words []string) []string {
	var out []string
	for _, a := range actionWords {
		for _, w := range words {
			if inflectionOf(w, a) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// inflectionOf reports whether w is base or a regular inflection of it:
// -s, -es, -d, -ed, -ing, with a dropped final e before -ing and a doubled
// final consonant before -ed and -ing.
func inflectionOf(w, base string) bool {
	if w == base {
		return true
	}
	rest, ok := strings.CutPrefix(w, base)
	if !ok {
		if stem, cut := strings.CutSuffix(base, "e"); cut && w == stem+"ing" {
			return true
		}
		return false
	}
	switch rest {
	case "s", "es", "d", "ed", "ing":
		return true
	}
	last := base[len(base)-1:]
	return rest == last+"ed" || rest == last+"ing"
}

// itemActionWords returns the action words appearing in an action item.
func itemActionWords(item string) []string {
	var out []string
	for _, w := range memory.Words(item) {
		for _, a := range actionWords {
			if w == a {
				out = memory.AppendUnique(out, a)
			}
		}
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
