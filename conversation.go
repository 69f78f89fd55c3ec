package main

import (
	"regexp"
	"sort"
	"strings"
)

var (
	htmlTagRE  = regexp.MustCompile(`<[^>]+>`)
	ctrlCharRE = regexp.MustCompile("[\r\v\f]")
)

// cleanText removes HTML tags and control characters and trims whitespace.
func cleanText(text string) string {
	noHTML := htmlTagRE.ReplaceAllString(text, "")
	noCtrl := ctrlCharRE.ReplaceAllString(noHTML, "")
	return strings.TrimSpace(noCtrl)
}

// Curly/typographic apostrophe variants collapse to a straight apostrophe so
// phrase matching is stable across mail clients.
var apostropheReplacer = strings.NewReplacer(
	"’", "'", // right single quotation mark
	"‘", "'", // left single quotation mark
	"ʼ", "'", // modifier letter apostrophe
	"′", "'", // prime
)

func normalizeApostrophes(text string) string {
	return apostropheReplacer.Replace(text)
}

// shouldAutoIgnore reports whether the last turn is an automated responder
// message carrying one of the configured auto-ignore phrases.
func shouldAutoIgnore(turns []Turn, phrases []string) bool {
	if len(turns) == 0 {
		return false
	}
	last := turns[len(turns)-1]
	if last.Speaker != SpeakerResponder {
		return false
	}
	text := normalizeApostrophes(last.Text)
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// customFieldTrue reports whether a custom field is explicitly set to true.
// Freshdesk serializes checkbox fields as booleans but some exports carry
// them as strings.
func customFieldTrue(fields map[string]any, name string) bool {
	switch v := fields[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

// excludeFromAnalysisField marks tickets support agents want kept out of
// clustering entirely.
const excludeFromAnalysisField = "cf_exclude_from_analysis"

// BuildConversation normalizes one raw ticket into a Conversation. The
// opening description, when present, is always the requester's first turn;
// replies follow in ascending timestamp order.
func BuildConversation(cfg Config, ticket *freshdeskTicket) Conversation {
	var turns []Turn

	if desc := cleanText(ticket.DescriptionText); desc != "" {
		turns = append(turns, Turn{Speaker: SpeakerRequester, Text: desc})
	}

	replies := make([]freshdeskReply, len(ticket.Conversations))
	copy(replies, ticket.Conversations)
	// RFC 3339 UTC timestamps sort correctly as strings; a stable sort keeps
	// the original order for equal timestamps.
	sort.SliceStable(replies, func(i, j int) bool {
		return replies[i].CreatedAt < replies[j].CreatedAt
	})

	for _, reply := range replies {
		speaker := SpeakerResponder
		if reply.Incoming {
			speaker = SpeakerRequester
		}
		turns = append(turns, Turn{
			Speaker: speaker,
			Text:    cleanText(reply.BodyText),
			Private: reply.Private,
		})
	}

	ignore := customFieldTrue(ticket.CustomFields, excludeFromAnalysisField) ||
		shouldAutoIgnore(turns, cfg.AutoIgnorePhrases)

	return Conversation{TicketID: ticket.ID, Turns: turns, Ignore: ignore}
}
