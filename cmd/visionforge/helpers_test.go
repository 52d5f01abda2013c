package main

import (
	"strings"
	"testing"

	"visionforge/internal/events"
	"visionforge/internal/queue"
)

func TestStageLabelSplitsCamelCase(t *testing.T) {
	cases := map[string]string{
		"ideator":        "Ideator",
		"promptEngineer": "Prompt Engineer",
		"judge":          "Judge",
	}
	for input, want := range cases {
		if got := stageLabel(input); got != want {
			t.Errorf("stageLabel(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestTruncatePrompt(t *testing.T) {
	if got := truncatePrompt("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 60)
	got := truncatePrompt(long, 10)
	if len([]rune(got)) != 10 {
		t.Fatalf("truncated length = %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("missing ellipsis: %q", got)
	}
}

func TestPayloadStringReadsDecodedJSON(t *testing.T) {
	evt := events.Event{Payload: map[string]any{"stage": "ideator", "token": "wet "}}
	if got := payloadString(evt, "token"); got != "wet " {
		t.Fatalf("got %q", got)
	}
	if got := payloadString(evt, "missing"); got != "" {
		t.Fatalf("missing key yielded %q", got)
	}
	if got := payloadString(events.Event{Payload: 42}, "token"); got != "" {
		t.Fatalf("non-map payload yielded %q", got)
	}
}

func TestProgressSteps(t *testing.T) {
	evt := events.Event{Payload: map[string]any{"currentStep": 7.0, "totalSteps": 25.0}}
	current, total := progressSteps(evt)
	if current != 7 || total != 25 {
		t.Fatalf("got %d/%d", current, total)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable(
		[]string{"ID", "Status"},
		[][]string{{"abc"}},
		[]columnAlignment{alignLeft, alignLeft},
	)
	if !strings.Contains(out, "abc") {
		t.Fatalf("row missing: %s", out)
	}
	if !strings.Contains(out, "ID") || !strings.Contains(out, "Status") {
		t.Fatalf("headers missing: %s", out)
	}
}

func TestStatusLineFormatting(t *testing.T) {
	plain := statusLine("Running", sevOK, "yes", false)
	if !strings.HasPrefix(plain, "  ok ") {
		t.Fatalf("plain line = %q", plain)
	}
	if !strings.Contains(plain, "Running") || !strings.HasSuffix(plain, "yes") {
		t.Fatalf("plain line = %q", plain)
	}
	if strings.Contains(plain, "\x1b[") {
		t.Fatalf("plain line carries escapes: %q", plain)
	}

	// Details line up regardless of severity label length.
	long := statusLine("Running", sevError, "no", false)
	if strings.Index(plain, "Running") != strings.Index(long, "Running") {
		t.Fatalf("labels misaligned:\n%q\n%q", plain, long)
	}

	bare := statusLine("Queue", sevInfo, "", false)
	if strings.HasSuffix(bare, " ") {
		t.Fatalf("empty detail leaves trailing padding: %q", bare)
	}

	colored := statusLine("Running", sevError, "no", true)
	if !strings.Contains(colored, ansiRed) || !strings.Contains(colored, ansiReset) {
		t.Fatalf("colored line = %q", colored)
	}
	if !strings.Contains(colored, ansiReset+" Running") {
		t.Fatalf("color must cover only the tag: %q", colored)
	}
}

func TestSectionHeader(t *testing.T) {
	if got := sectionHeader(" Daemon ", false); got != "--- Daemon ---" {
		t.Fatalf("got %q", got)
	}
	colored := sectionHeader("Daemon", true)
	if !strings.HasPrefix(colored, ansiBlue) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("colored header = %q", colored)
	}
}

func TestJobSeverityMapping(t *testing.T) {
	cases := map[queue.Status]severity{
		queue.StatusCompleted:  sevOK,
		queue.StatusFailed:     sevError,
		queue.StatusCancelled:  sevWarn,
		queue.StatusPending:    sevInfo,
		queue.StatusGenerating: sevInfo,
	}
	for status, want := range cases {
		if got := jobSeverity(status); got != want {
			t.Errorf("jobSeverity(%s) = %s, want %s", status, got.label(), want.label())
		}
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"start", "stop", "status", "run", "queue", "gallery", "models", "doctor", "free", "config", "test-notify"} {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}
