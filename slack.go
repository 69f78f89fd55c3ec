package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"
)

// FormatRunSummary returns a human-readable summary of a processing run.
func FormatRunSummary(stats RunStats, usage LLMUsage, outputPath string) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%d processed", stats.Processed))
	if stats.Created > 0 {
		parts = append(parts, fmt.Sprintf("%d new issues", stats.Created))
	}
	if stats.Matched > 0 {
		parts = append(parts, fmt.Sprintf("%d matched", stats.Matched))
	}
	if stats.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", stats.Skipped))
	}
	if stats.Flagged > 0 {
		parts = append(parts, fmt.Sprintf("%d flagged for review", stats.Flagged))
	}
	if stats.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", stats.Failed))
	}

	msg := fmt.Sprintf("Issue clustering run complete: %s.", strings.Join(parts, ", "))
	if usage.TotalTokens() > 0 {
		msg += fmt.Sprintf(" LLM tokens in=%d out=%d.", usage.InputTokens, usage.OutputTokens)
	}
	msg += fmt.Sprintf(" DB written to %s", outputPath)
	return msg
}

// NotifyRunSummary posts the run summary to the configured Slack channel.
// A missing token or channel disables notification; a post failure is
// logged and never fails the run.
func NotifyRunSummary(cfg Config, summary string) {
	if !cfg.SlackConfigured() {
		return
	}
	api := slack.New(cfg.SlackBotToken)
	if _, _, err := api.PostMessage(cfg.SlackChannelID, slack.MsgOptionText(summary, false)); err != nil {
		log.Printf("slack notify error: %v", err)
	}
}
