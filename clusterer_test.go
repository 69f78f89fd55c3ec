package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeDecider replays a scripted sequence of decisions.
type fakeDecider struct {
	decisions []ClassificationDecision
	errs      []error
	calls     int

	// snapshots of the summaries seen on each call
	seen [][]IssueSummary
}

func (f *fakeDecider) Classify(conv Conversation, issues []IssueSummary) (ClassificationDecision, LLMUsage, error) {
	i := f.calls
	f.calls++
	f.seen = append(f.seen, issues)
	usage := LLMUsage{InputTokens: 100, OutputTokens: 10}
	if i < len(f.errs) && f.errs[i] != nil {
		return ClassificationDecision{}, usage, f.errs[i]
	}
	return f.decisions[i], usage, nil
}

func conv(ticketID int64) Conversation {
	return Conversation{
		TicketID: ticketID,
		Turns: []Turn{
			{Speaker: SpeakerRequester, Text: "sync fails with a timeout"},
		},
	}
}

func newTestClusterer(t *testing.T, decisions []ClassificationDecision, errs []error) (*IssueClusterer, *fakeDecider) {
	t.Helper()
	cfg := testConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "issues.json")
	fake := &fakeDecider{decisions: decisions, errs: errs}
	return NewIssueClusterer(cfg, fake), fake
}

func TestClustererCreateThenMatch(t *testing.T) {
	c, fake := newTestClusterer(t, []ClassificationDecision{
		{Category: "sync", ShortDescription: "sync timeout", Keywords: []string{"timeout"}, Confidence: 0.95},
		{Category: "billing", ShortDescription: "invoice mismatch", Confidence: 0.95},
		{IssueID: "ISSUE-0001", Confidence: 0.90, Notes: "same backend timeout"},
	}, nil)

	c.ProcessTicket(conv(101))
	c.ProcessTicket(conv(102))
	c.ProcessTicket(conv(103))

	issues := c.Issues()
	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2", len(issues))
	}
	if issues[0].IssueID != "ISSUE-0001" || issues[1].IssueID != "ISSUE-0002" {
		t.Fatalf("unexpected issue ids %q, %q", issues[0].IssueID, issues[1].IssueID)
	}
	if len(issues[0].Tickets) != 2 || issues[0].Tickets[0] != 101 || issues[0].Tickets[1] != 103 {
		t.Fatalf("ISSUE-0001 members = %v, want [101 103]", issues[0].Tickets)
	}
	// The match carried no category, so the existing one must survive.
	if issues[0].Category != "sync" {
		t.Fatalf("category overwritten by empty field: %q", issues[0].Category)
	}
	if issues[0].Notes != "same backend timeout" {
		t.Fatalf("notes not updated: %q", issues[0].Notes)
	}

	// The third call must have seen both prior issues in its summaries.
	if got := len(fake.seen[2]); got != 2 {
		t.Fatalf("third classify saw %d summaries, want 2", got)
	}

	stats := c.Stats()
	if stats.Processed != 3 || stats.Created != 2 || stats.Matched != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(c.Flagged()) != 0 {
		t.Fatalf("unexpected flagged entries %v", c.Flagged())
	}
}

func TestClustererHallucinatedIDCreatesNewRecord(t *testing.T) {
	c, _ := newTestClusterer(t, []ClassificationDecision{
		{IssueID: "ISSUE-0999", Category: "auth", ShortDescription: "login loop", Confidence: 0.92},
	}, nil)

	c.ProcessTicket(conv(201))

	issues := c.Issues()
	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1", len(issues))
	}
	// The unknown id is not adopted; a fresh sequential id is allocated.
	if issues[0].IssueID != "ISSUE-0001" {
		t.Fatalf("issue id = %q, want ISSUE-0001", issues[0].IssueID)
	}
	if len(c.Flagged()) != 0 {
		t.Fatalf("hallucinated id must not flag the ticket: %v", c.Flagged())
	}
}

func TestClustererLowConfidenceMatchNotHonored(t *testing.T) {
	c, _ := newTestClusterer(t, []ClassificationDecision{
		{Category: "sync", ShortDescription: "sync timeout", Confidence: 0.95},
		{IssueID: "ISSUE-0001", Category: "sync", ShortDescription: "maybe same", Confidence: 0.40},
	}, nil)

	c.ProcessTicket(conv(301))
	c.ProcessTicket(conv(302))

	issues := c.Issues()
	if len(issues) != 2 {
		t.Fatalf("low-confidence match was honored, got %d issues", len(issues))
	}
	if len(issues[0].Tickets) != 1 {
		t.Fatalf("ISSUE-0001 gained a member from a low-confidence decision: %v", issues[0].Tickets)
	}

	flagged := c.Flagged()
	if len(flagged) != 1 {
		t.Fatalf("got %d flagged entries, want 1", len(flagged))
	}
	f := flagged[0]
	if f.TicketID != 302 || f.IssueID != "ISSUE-0002" || f.Confidence != 0.40 {
		t.Fatalf("unexpected flagged entry %+v", f)
	}
	if !strings.Contains(f.Reason, "ISSUE-0001") {
		t.Fatalf("flag reason should name the unhonored suggestion: %q", f.Reason)
	}
}

func TestClustererLowConfidenceNullID(t *testing.T) {
	c, _ := newTestClusterer(t, []ClassificationDecision{
		{Category: "misc", ShortDescription: "unclear report", Confidence: 0.30},
	}, nil)

	c.ProcessTicket(conv(401))

	if len(c.Issues()) != 1 {
		t.Fatalf("expected a provisional record, got %d issues", len(c.Issues()))
	}
	flagged := c.Flagged()
	if len(flagged) != 1 || flagged[0].IssueID != "ISSUE-0001" {
		t.Fatalf("unexpected flagged entries %+v", flagged)
	}
	if strings.Contains(flagged[0].Reason, "not honored") {
		t.Fatalf("null-id flag should not mention an unhonored match: %q", flagged[0].Reason)
	}
}

func TestClustererDeciderErrorFlagsAndContinues(t *testing.T) {
	c, _ := newTestClusterer(t, []ClassificationDecision{
		{}, // consumed by the error slot
		{Category: "sync", ShortDescription: "sync timeout", Confidence: 0.95},
	}, []error{errors.New("model unavailable"), nil})

	c.ProcessTicket(conv(501))
	c.ProcessTicket(conv(502))

	if len(c.Issues()) != 1 {
		t.Fatalf("batch did not continue past the failure, issues = %d", len(c.Issues()))
	}
	flagged := c.Flagged()
	if len(flagged) != 1 || flagged[0].TicketID != 501 || flagged[0].Confidence != 0 {
		t.Fatalf("unexpected flagged entries %+v", flagged)
	}
	stats := c.Stats()
	if stats.Failed != 1 || stats.Processed != 2 || stats.Created != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestClustererIgnoredConversationSkipped(t *testing.T) {
	c, fake := newTestClusterer(t, nil, nil)

	ignored := conv(601)
	ignored.Ignore = true
	c.ProcessTicket(ignored)

	if fake.calls != 0 {
		t.Fatalf("ignored conversation reached the decider")
	}
	if c.Stats().Skipped != 1 {
		t.Fatalf("unexpected stats %+v", c.Stats())
	}
}

func TestClustererCheckpointEveryFlush(t *testing.T) {
	c, _ := newTestClusterer(t, []ClassificationDecision{
		{Category: "sync", ShortDescription: "a", Confidence: 0.95},
		{Category: "sync", ShortDescription: "b", Confidence: 0.95},
	}, nil)
	c.cfg.FlushEvery = 1

	c.ProcessTicket(conv(701))

	data, err := os.ReadFile(c.CheckpointPath())
	if err != nil {
		t.Fatalf("checkpoint not written: %v", err)
	}
	if !strings.Contains(string(data), "ISSUE-0001") {
		t.Fatalf("checkpoint missing issue record: %s", data)
	}

	c.ProcessTicket(conv(702))
	data, err = os.ReadFile(c.CheckpointPath())
	if err != nil {
		t.Fatalf("checkpoint not rewritten: %v", err)
	}
	if !strings.Contains(string(data), "ISSUE-0002") {
		t.Fatalf("checkpoint stale after second flush: %s", data)
	}
}

func TestClustererDryRunSkipsCheckpoint(t *testing.T) {
	c, _ := newTestClusterer(t, []ClassificationDecision{
		{Category: "sync", ShortDescription: "a", Confidence: 0.95},
	}, nil)
	c.cfg.FlushEvery = 1
	c.DryRun = true

	c.ProcessTicket(conv(711))

	if _, err := os.Stat(c.CheckpointPath()); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote a checkpoint: %v", err)
	}
	if len(c.Issues()) != 1 {
		t.Fatalf("dry run must still update the in-memory index, got %d issues", len(c.Issues()))
	}
}

func TestClustererLoadExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.json")
	seed := `[{"issue_id": "ISSUE-0007", "category": "sync", "short_description": "seeded", "tickets": [9]}]`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seeding issue DB: %v", err)
	}

	c, _ := newTestClusterer(t, []ClassificationDecision{
		{Category: "auth", ShortDescription: "new one", Confidence: 0.95},
	}, nil)
	if err := c.LoadExisting(path); err != nil {
		t.Fatalf("LoadExisting failed: %v", err)
	}
	if !c.HasTicket(9) {
		t.Fatal("membership not derived from loaded records")
	}

	c.ProcessTicket(conv(801))
	issues := c.Issues()
	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2", len(issues))
	}
	// Allocation continues past the highest loaded suffix.
	if issues[1].IssueID != "ISSUE-0008" {
		t.Fatalf("new id = %q, want ISSUE-0008", issues[1].IssueID)
	}
}

func TestClustererLoadExistingMissingFile(t *testing.T) {
	c, _ := newTestClusterer(t, nil, nil)
	if err := c.LoadExisting(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("missing DB must not be an error: %v", err)
	}
}
