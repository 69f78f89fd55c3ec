package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// RunStats counts per-ticket outcomes for the run summary.
type RunStats struct {
	Processed int // tickets that reached the decider
	Skipped   int
	Matched   int
	Created   int
	Flagged   int
	Failed    int
}

// IssueClusterer owns the in-memory issue index for the duration of a run.
// It applies the confidence-gated merge policy to each decision and
// checkpoints the index every FlushEvery processed tickets so a crash loses
// bounded work.
type IssueClusterer struct {
	cfg     Config
	decider Decider

	// DryRun suppresses checkpoint writes for debug runs.
	DryRun bool

	issues  []IssueRecord
	flagged []FlaggedEntry

	sinceFlush int
	usage      LLMUsage
	stats      RunStats
}

func NewIssueClusterer(cfg Config, decider Decider) *IssueClusterer {
	return &IssueClusterer{cfg: cfg, decider: decider}
}

// LoadExisting seeds the index from a prior run's database so runs are
// incremental. A missing file is not an error.
func (c *IssueClusterer) LoadExisting(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading issue DB %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &c.issues); err != nil {
		return fmt.Errorf("parsing issue DB %s: %w", path, err)
	}
	log.Printf("loaded issue DB path=%s issues=%d", path, len(c.issues))
	return nil
}

// HasTicket reports whether the ticket is already a member of some issue.
// Membership is derived from the issue records themselves so it can never
// diverge from them.
func (c *IssueClusterer) HasTicket(ticketID int64) bool {
	for _, issue := range c.issues {
		if issue.HasTicket(ticketID) {
			return true
		}
	}
	return false
}

// Summaries returns the compact snapshot of the index handed to the decider.
func (c *IssueClusterer) Summaries() []IssueSummary {
	summaries := make([]IssueSummary, 0, len(c.issues))
	for _, issue := range c.issues {
		summaries = append(summaries, IssueSummary{
			IssueID:          issue.IssueID,
			Category:         issue.Category,
			ShortDescription: issue.ShortDescription,
			RootCause:        issue.RootCause,
			Keywords:         issue.Keywords,
		})
	}
	return summaries
}

// nextIssueID allocates the next sequential id. Scanning for the highest
// existing suffix keeps ids monotonic even after manual deletions.
func (c *IssueClusterer) nextIssueID() string {
	highest := 0
	for _, issue := range c.issues {
		var n int
		if _, err := fmt.Sscanf(issue.IssueID, "ISSUE-%d", &n); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("ISSUE-%04d", highest+1)
}

func (c *IssueClusterer) findIssue(issueID string) *IssueRecord {
	for i := range c.issues {
		if c.issues[i].IssueID == issueID {
			return &c.issues[i]
		}
	}
	return nil
}

// ProcessTicket runs one conversation through the decider and merges the
// result. A decider failure flags the ticket with zero confidence and never
// aborts the batch.
func (c *IssueClusterer) ProcessTicket(conv Conversation) {
	if conv.Ignore {
		log.Printf("ticket %d marked ignored, skipping", conv.TicketID)
		c.stats.Skipped++
		return
	}

	decision, usage, err := c.decider.Classify(conv, c.Summaries())
	c.usage.Add(usage)
	if err != nil {
		log.Printf("classification failed ticket=%d: %v", conv.TicketID, err)
		c.flagged = append(c.flagged, FlaggedEntry{
			TicketID:   conv.TicketID,
			Confidence: 0,
			Reason:     fmt.Sprintf("classification failed: %v", err),
		})
		c.stats.Failed++
		c.stats.Flagged++
		c.countProcessed()
		return
	}

	c.merge(conv.TicketID, decision)
	c.countProcessed()
}

// merge applies the decision policy. A low-confidence decision always
// creates a provisional record, even when the model suggested a match: a
// wrong merge is unrecoverable, an extra record is cheaply merged later.
func (c *IssueClusterer) merge(ticketID int64, d ClassificationDecision) {
	lowConfidence := d.Confidence < c.cfg.LLMConfidence

	var target *IssueRecord
	if d.IssueID != "" && !lowConfidence {
		target = c.findIssue(d.IssueID)
		if target == nil {
			log.Printf("ticket %d: decider suggested unknown issue id %s, creating new record", ticketID, d.IssueID)
		}
	}

	var assignedID string
	if target != nil {
		if !target.HasTicket(ticketID) {
			target.Tickets = append(target.Tickets, ticketID)
		}
		// Partial updates must never blank out prior content.
		if d.Category != "" {
			target.Category = d.Category
		}
		if d.ShortDescription != "" {
			target.ShortDescription = d.ShortDescription
		}
		if len(d.Keywords) > 0 {
			target.Keywords = d.Keywords
		}
		if d.RootCause != "" {
			target.RootCause = d.RootCause
		}
		if len(d.ResolutionSteps) > 0 {
			target.ResolutionSteps = d.ResolutionSteps
		}
		if d.Notes != "" {
			target.Notes = d.Notes
		}
		target.Confidence = d.Confidence
		assignedID = target.IssueID
		c.stats.Matched++
		log.Printf("ticket %d matched %s confidence=%.2f members=%d", ticketID, assignedID, d.Confidence, len(target.Tickets))
	} else {
		assignedID = c.nextIssueID()
		c.issues = append(c.issues, IssueRecord{
			IssueID:          assignedID,
			Category:         d.Category,
			ShortDescription: d.ShortDescription,
			Keywords:         d.Keywords,
			RootCause:        d.RootCause,
			ResolutionSteps:  d.ResolutionSteps,
			Tickets:          []int64{ticketID},
			Notes:            d.Notes,
			Confidence:       d.Confidence,
		})
		c.stats.Created++
		log.Printf("ticket %d created %s confidence=%.2f", ticketID, assignedID, d.Confidence)
	}

	if lowConfidence {
		reason := "confidence below threshold"
		if d.IssueID != "" {
			reason = fmt.Sprintf("confidence below threshold, suggested match %s not honored", d.IssueID)
		}
		c.flagged = append(c.flagged, FlaggedEntry{
			TicketID:   ticketID,
			IssueID:    assignedID,
			Confidence: d.Confidence,
			Reason:     reason,
		})
		c.stats.Flagged++
	}
}

func (c *IssueClusterer) countProcessed() {
	c.stats.Processed++
	if c.DryRun {
		return
	}
	c.sinceFlush++
	if c.sinceFlush >= c.cfg.FlushEvery {
		if err := c.Checkpoint(); err != nil {
			log.Printf("checkpoint error: %v", err)
		}
		c.sinceFlush = 0
	}
}

// CheckpointPath is the durable intermediate copy of the index, distinct
// from the final output path so a crash mid-run never corrupts the last
// good output.
func (c *IssueClusterer) CheckpointPath() string {
	return c.cfg.OutputPath + ".checkpoint"
}

// Checkpoint persists the current index to the checkpoint path with
// write-temp-then-rename semantics.
func (c *IssueClusterer) Checkpoint() error {
	return writeIssuesAtomic(c.issues, c.CheckpointPath())
}

// Issues returns the index for the OutputWriter's end-of-run snapshot.
func (c *IssueClusterer) Issues() []IssueRecord { return c.issues }

// Flagged returns this run's flagged entries. The flagged list is always
// regenerated in full from these, never incrementally merged.
func (c *IssueClusterer) Flagged() []FlaggedEntry { return c.flagged }

func (c *IssueClusterer) Usage() LLMUsage { return c.usage }

func (c *IssueClusterer) Stats() RunStats { return c.stats }

func (c *IssueClusterer) CountSkipped() { c.stats.Skipped++ }

// FlagFetchFailure records a ticket whose remote fetch failed after retries.
// The failure aborts that ticket only, never the batch.
func (c *IssueClusterer) FlagFetchFailure(ticketID int64, err error) {
	log.Printf("fetch failed ticket=%d: %v", ticketID, err)
	c.flagged = append(c.flagged, FlaggedEntry{
		TicketID:   ticketID,
		Confidence: 0,
		Reason:     fmt.Sprintf("fetch failed: %v", err),
	})
	c.stats.Failed++
	c.stats.Flagged++
}
