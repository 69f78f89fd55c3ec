package main

import (
	"fmt"
	"time"
)

// TransientError is a network failure or 5xx from the helpdesk API. It is
// retried with exponential backoff; once attempts are exhausted the last one
// is surfaced to the caller wrapped in this type.
type TransientError struct {
	URL      string
	Status   int // 0 when the request never got a response
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient error fetching %s after %d attempts: status %d", e.URL, e.Attempts, e.Status)
	}
	return fmt.Sprintf("transient error fetching %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ThrottledError is a rate-limit signal from the helpdesk API. The client
// always waits out RetryAfter and retries, so callers only ever see this
// type when the wait itself cannot proceed.
type ThrottledError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled fetching %s, retry after %s", e.URL, e.RetryAfter)
}

// MalformedDecisionError means the LLM returned output that does not parse
// as a classification decision. The affected ticket is flagged and the batch
// continues.
type MalformedDecisionError struct {
	Raw string
	Err error
}

func (e *MalformedDecisionError) Error() string {
	raw := e.Raw
	if len(raw) > 512 {
		raw = raw[:512] + fmt.Sprintf("... [truncated, total_length=%d]", len(e.Raw))
	}
	return fmt.Sprintf("malformed LLM decision: %v (response: %s)", e.Err, raw)
}

func (e *MalformedDecisionError) Unwrap() error { return e.Err }
