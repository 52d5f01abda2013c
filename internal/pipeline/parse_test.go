package pipeline

import (
	"strings"
	"testing"
)

func TestParseNumberedListBasic(t *testing.T) {
	text := "1. A gothic cat on an iron throne.\n2. A sunlit tabby on a velvet cushion.\n3. A neon cyber-cat on a chrome seat."
	items := parseNumberedList(text)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if !strings.HasPrefix(items[0], "A gothic cat") {
		t.Fatalf("first item = %q", items[0])
	}
}

func TestParseNumberedListContinuationLines(t *testing.T) {
	text := "Here are the concepts:\n1. A lighthouse at dusk,\nwaves crashing below.\n2) A foggy harbor."
	items := parseNumberedList(text)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3: %v", len(items), items)
	}
	// Preamble folds into the first accumulated item before numbering starts.
	if items[1] != "A lighthouse at dusk, waves crashing below." {
		t.Fatalf("item = %q", items[1])
	}
	if items[2] != "A foggy harbor." {
		t.Fatalf("item = %q", items[2])
	}
}

func TestParseNumberedListEmpty(t *testing.T) {
	if items := parseNumberedList("   \n\n"); len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestParseRankingsNormalizes(t *testing.T) {
	payload := `[
		{"rank": 2, "concept_index": 0, "score": 70, "reasoning": "fine"},
		{"rank": 1, "concept_index": 2, "score": 90, "reasoning": "best"},
		{"rank": 3, "concept_index": 2, "score": 10, "reasoning": "duplicate"}
	]`
	rankings, err := parseRankings(payload, 3)
	if err != nil {
		t.Fatalf("parseRankings failed: %v", err)
	}
	if len(rankings) != 3 {
		t.Fatalf("got %d rankings, want one per concept", len(rankings))
	}
	if rankings[0].ConceptIndex != 2 || rankings[0].Rank != 1 {
		t.Fatalf("top ranking = %+v", rankings[0])
	}
	if rankings[1].ConceptIndex != 0 || rankings[1].Rank != 2 {
		t.Fatalf("second ranking = %+v", rankings[1])
	}
	// Concept 1 was never ranked and is backfilled last with score zero.
	if rankings[2].ConceptIndex != 1 || rankings[2].Score != 0 || rankings[2].Rank != 3 {
		t.Fatalf("backfilled ranking = %+v", rankings[2])
	}
}

func TestParseRankingsTieBrokenByLowerIndex(t *testing.T) {
	payload := `[
		{"rank": 1, "concept_index": 1, "score": 80},
		{"rank": 1, "concept_index": 0, "score": 80}
	]`
	rankings, err := parseRankings(payload, 2)
	if err != nil {
		t.Fatalf("parseRankings failed: %v", err)
	}
	if rankings[0].ConceptIndex != 0 {
		t.Fatalf("tie should favor lower concept index, got %+v", rankings[0])
	}
}

func TestParseRankingsDropsOutOfRange(t *testing.T) {
	payload := `[{"rank": 1, "concept_index": 9, "score": 99}, {"rank": 2, "concept_index": 0, "score": 50}]`
	rankings, err := parseRankings(payload, 2)
	if err != nil {
		t.Fatalf("parseRankings failed: %v", err)
	}
	if len(rankings) != 2 {
		t.Fatalf("got %d rankings, want 2", len(rankings))
	}
	for _, r := range rankings {
		if r.ConceptIndex > 1 {
			t.Fatalf("out-of-range index survived: %+v", r)
		}
	}
}

func TestParseRankingsClampsScore(t *testing.T) {
	payload := `[{"rank": 1, "concept_index": 0, "score": 400}]`
	rankings, err := parseRankings(payload, 1)
	if err != nil {
		t.Fatalf("parseRankings failed: %v", err)
	}
	if rankings[0].Score != 100 {
		t.Fatalf("score = %d, want clamped 100", rankings[0].Score)
	}
}

func TestParseRankingsMalformed(t *testing.T) {
	if _, err := parseRankings("not json at all", 3); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestParsePromptPair(t *testing.T) {
	pair, err := parsePromptPair(`{"positive": "masterpiece, cat, throne", "negative": "lowres"}`)
	if err != nil {
		t.Fatalf("parsePromptPair failed: %v", err)
	}
	if pair.Positive != "masterpiece, cat, throne" || pair.Negative != "lowres" {
		t.Fatalf("unexpected pair: %+v", pair)
	}
}

func TestParsePromptPairMissingField(t *testing.T) {
	_, err := parsePromptPair(`{"positive": "only half"}`)
	if err == nil || !strings.Contains(err.Error(), "negative") {
		t.Fatalf("expected missing-negative error, got %v", err)
	}
}

func TestParseReviewVerdictRejection(t *testing.T) {
	payload := `{"approved": false, "issues": ["drift"], "suggested_positive": "better prompt", "suggested_negative": "worse stuff"}`
	verdict, err := parseReviewVerdict(payload)
	if err != nil {
		t.Fatalf("parseReviewVerdict failed: %v", err)
	}
	if verdict.Approved {
		t.Fatal("verdict should be a rejection")
	}
	if verdict.SuggestedPositive != "better prompt" {
		t.Fatalf("suggested positive = %q", verdict.SuggestedPositive)
	}
}

func TestParseReviewVerdictDefaultsToApproved(t *testing.T) {
	verdict, err := parseReviewVerdict(`{"issues": []}`)
	if err != nil {
		t.Fatalf("parseReviewVerdict failed: %v", err)
	}
	if !verdict.Approved {
		t.Fatal("missing approved field should default to approved")
	}
}
