package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"visionforge/internal/services"
	"visionforge/internal/services/ollama"
)

// parseNumberedList splits model output into list items. Items start with a
// digit prefix ("1. " or "1) "); unprefixed lines continue the previous item.
func parseNumberedList(text string) []string {
	var (
		items   []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			items = append(items, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		digits := 0
		for digits < len(trimmed) && trimmed[digits] >= '0' && trimmed[digits] <= '9' {
			digits++
		}
		rest := trimmed[digits:]
		isNewItem := digits > 0 && (strings.HasPrefix(rest, ". ") || strings.HasPrefix(rest, ") "))
		if isNewItem {
			flush()
			current.WriteString(strings.TrimSpace(rest[2:]))
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(trimmed)
	}
	flush()
	return items
}

type rawRanking struct {
	Rank         int     `json:"rank"`
	ConceptIndex int     `json:"concept_index"`
	Score        float64 `json:"score"`
	Reasoning    string  `json:"reasoning"`
}

// parseRankings decodes judge output and normalizes it to exactly one entry
// per input concept: duplicates keep the best-ranked occurrence, out-of-range
// indexes are dropped, concepts the model skipped are backfilled with score
// zero, and ranks are reassigned 1..N with ties broken by lower concept index.
func parseRankings(payload string, numConcepts int) ([]Ranking, error) {
	var raw []rawRanking
	if err := ollama.DecodeModelJSON(payload, &raw); err != nil {
		return nil, fmt.Errorf("judge output: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("judge output: empty ranking array in %q", services.Snippet(payload))
	}

	sort.SliceStable(raw, func(i, j int) bool {
		if raw[i].Rank != raw[j].Rank {
			return raw[i].Rank < raw[j].Rank
		}
		return raw[i].ConceptIndex < raw[j].ConceptIndex
	})

	seen := make(map[int]bool, numConcepts)
	ordered := make([]Ranking, 0, numConcepts)
	for _, r := range raw {
		if r.ConceptIndex < 0 || r.ConceptIndex >= numConcepts || seen[r.ConceptIndex] {
			continue
		}
		seen[r.ConceptIndex] = true
		ordered = append(ordered, Ranking{
			ConceptIndex: r.ConceptIndex,
			Score:        clampScore(int(r.Score)),
			Reasoning:    r.Reasoning,
		})
	}
	for i := 0; i < numConcepts; i++ {
		if !seen[i] {
			ordered = append(ordered, Ranking{ConceptIndex: i, Reasoning: "not ranked by judge"})
		}
	}
	for i := range ordered {
		ordered[i].Rank = i + 1
	}
	return ordered, nil
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// parsePromptPair decodes prompt-engineer output. Both fields are required.
func parsePromptPair(payload string) (PromptPair, error) {
	var pair PromptPair
	if err := ollama.DecodeModelJSON(payload, &pair); err != nil {
		return pair, fmt.Errorf("prompt engineer output: %w", err)
	}
	pair.Positive = strings.TrimSpace(pair.Positive)
	pair.Negative = strings.TrimSpace(pair.Negative)
	if pair.Positive == "" {
		return pair, fmt.Errorf("prompt engineer output: missing positive prompt in %q", services.Snippet(payload))
	}
	if pair.Negative == "" {
		return pair, fmt.Errorf("prompt engineer output: missing negative prompt in %q", services.Snippet(payload))
	}
	return pair, nil
}

type rawVerdict struct {
	Approved          *bool    `json:"approved"`
	Issues            []string `json:"issues"`
	SuggestedPositive string   `json:"suggested_positive"`
	SuggestedNegative string   `json:"suggested_negative"`
}

// parseReviewVerdict decodes reviewer output. A missing approved field is
// treated as approval since the verdict is advisory.
func parseReviewVerdict(payload string) (ReviewVerdict, error) {
	var raw rawVerdict
	if err := ollama.DecodeModelJSON(payload, &raw); err != nil {
		return ReviewVerdict{}, fmt.Errorf("reviewer output: %w", err)
	}
	verdict := ReviewVerdict{
		Approved:          true,
		Issues:            raw.Issues,
		SuggestedPositive: strings.TrimSpace(raw.SuggestedPositive),
		SuggestedNegative: strings.TrimSpace(raw.SuggestedNegative),
	}
	if raw.Approved != nil {
		verdict.Approved = *raw.Approved
	}
	return verdict, nil
}
