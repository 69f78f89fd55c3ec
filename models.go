package main

const (
	SpeakerRequester = "requester"
	SpeakerResponder = "responder"
)

// Turn is one message of a normalized conversation.
type Turn struct {
	Speaker string `json:"speaker"` // "requester" or "responder"
	Text    string `json:"text"`
	Private bool   `json:"private"`
}

// Conversation is the cleaned, ordered form of one helpdesk ticket.
type Conversation struct {
	TicketID int64  `json:"ticket_id"`
	Turns    []Turn `json:"conversation"`
	Ignore   bool   `json:"ignore"`
}

// IssueRecord is one clustered issue in the consolidated database.
type IssueRecord struct {
	IssueID          string   `json:"issue_id"`
	Category         string   `json:"category"`
	ShortDescription string   `json:"short_description"`
	Keywords         []string `json:"keywords"`
	RootCause        string   `json:"root_cause"`
	ResolutionSteps  []string `json:"resolution_steps"`
	Tickets          []int64  `json:"tickets"`
	Notes            string   `json:"notes"`
	Confidence       float64  `json:"confidence"`
}

// HasTicket reports whether ticketID is already a member of this issue.
func (r IssueRecord) HasTicket(ticketID int64) bool {
	for _, id := range r.Tickets {
		if id == ticketID {
			return true
		}
	}
	return false
}

// IssueSummary is the compact per-issue view sent to the LLM. It carries only
// the fields the model needs to recognize a match, to bound prompt size.
type IssueSummary struct {
	IssueID          string
	Category         string
	ShortDescription string
	RootCause        string
	Keywords         []string
}

// ClassificationDecision is the parsed LLM verdict for one conversation.
// IssueID is empty when the model proposes a new issue.
type ClassificationDecision struct {
	IssueID          string
	Category         string
	ShortDescription string
	Keywords         []string
	RootCause        string
	ResolutionSteps  []string
	Confidence       float64
	Notes            string
}

// FlaggedEntry marks a ticket whose classification needs human review.
type FlaggedEntry struct {
	TicketID   int64
	IssueID    string
	Confidence float64
	Reason     string
}
