package main

import (
	"errors"
	"strings"
	"testing"
)

func TestParseDecisionResponse(t *testing.T) {
	raw := `{"issue_id": "ISSUE-0003", "category": "Mobile App", "short_description": "App crashes on login", "keywords": ["crash", "login"], "root_cause": "Null session token", "resolution_steps": ["1. Update app", "2. Re-login"], "confidence": 0.91, "notes": "Only on Android 14"}`

	d, err := parseDecisionResponse(raw)
	if err != nil {
		t.Fatalf("parseDecisionResponse failed: %v", err)
	}
	if d.IssueID != "ISSUE-0003" {
		t.Fatalf("issue id = %q, want ISSUE-0003", d.IssueID)
	}
	if d.Category != "Mobile App" || d.Confidence != 0.91 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(d.ResolutionSteps) != 2 {
		t.Fatalf("expected 2 resolution steps, got %d", len(d.ResolutionSteps))
	}
}

func TestParseDecisionResponseTrimsCodeFences(t *testing.T) {
	raw := "```json\n{\"issue_id\": null, \"category\": \"Other\", \"confidence\": 0.3}\n```"
	d, err := parseDecisionResponse(raw)
	if err != nil {
		t.Fatalf("parseDecisionResponse failed: %v", err)
	}
	if d.IssueID != "" {
		t.Fatalf("null issue_id must parse as empty, got %q", d.IssueID)
	}
	if d.Confidence != 0.3 {
		t.Fatalf("confidence = %f, want 0.3", d.Confidence)
	}
}

func TestParseDecisionResponseToleratesExtraFields(t *testing.T) {
	raw := `{"issue_id": null, "category": "Other", "confidence": 0.5, "reasoning": "because", "model_version": 3}`
	if _, err := parseDecisionResponse(raw); err != nil {
		t.Fatalf("extra unknown fields must be tolerated, got %v", err)
	}
}

func TestParseDecisionResponseStepsAsSingleString(t *testing.T) {
	raw := `{"issue_id": null, "category": "Other", "resolution_steps": "1. Reboot the base", "confidence": 0.8}`
	d, err := parseDecisionResponse(raw)
	if err != nil {
		t.Fatalf("parseDecisionResponse failed: %v", err)
	}
	if len(d.ResolutionSteps) != 1 || d.ResolutionSteps[0] != "1. Reboot the base" {
		t.Fatalf("expected collapsed steps to become a single-element list, got %v", d.ResolutionSteps)
	}
}

func TestParseDecisionResponseMalformed(t *testing.T) {
	_, err := parseDecisionResponse("I think this matches issue three.")
	if err == nil {
		t.Fatal("expected error for non-JSON response")
	}
	var malformed *MalformedDecisionError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected *MalformedDecisionError, got %T: %v", err, err)
	}
}

func TestParseDecisionResponseTruncatesLongRawInError(t *testing.T) {
	_, err := parseDecisionResponse(strings.Repeat("x", 2000))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(err.Error()) > 700 {
		t.Fatalf("error message must truncate the raw response, length=%d", len(err.Error()))
	}
}

func TestBuildClassifyPrompts(t *testing.T) {
	conv := Conversation{
		TicketID: 42,
		Turns:    []Turn{{Speaker: SpeakerRequester, Text: "Lid will not seal"}},
	}
	issues := []IssueSummary{
		{IssueID: "ISSUE-0001", Category: "Container and Lid", ShortDescription: "Lid gasket failure", Keywords: []string{"lid", "seal"}},
	}

	_, userPrompt := buildClassifyPrompts(conv, issues)
	if !strings.Contains(userPrompt, "ISSUE-0001") {
		t.Fatalf("user prompt must include issue summaries, prompt=%s", userPrompt)
	}
	if !strings.Contains(userPrompt, "Lid will not seal") {
		t.Fatalf("user prompt must include the conversation, prompt=%s", userPrompt)
	}

	_, emptyPrompt := buildClassifyPrompts(conv, nil)
	if !strings.Contains(emptyPrompt, "<none>") {
		t.Fatalf("empty issue list must render as <none>, prompt=%s", emptyPrompt)
	}
}
