package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const externalHTTPTimeout = 30 * time.Second

// defaultRetryAfter is used when a 429 response carries no usable
// Retry-After header.
const defaultRetryAfter = 60 * time.Second

type freshdeskSearchResponse struct {
	Total   int                      `json:"total"`
	Results []freshdeskTicketSummary `json:"results"`
}

type freshdeskTicketSummary struct {
	ID        int64  `json:"id"`
	UpdatedAt string `json:"updated_at"`
}

type freshdeskReply struct {
	BodyText  string `json:"body_text"`
	Incoming  bool   `json:"incoming"`
	Private   bool   `json:"private"`
	CreatedAt string `json:"created_at"`
}

type freshdeskTicket struct {
	ID              int64            `json:"id"`
	Status          int              `json:"status"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
	DescriptionText string           `json:"description_text"`
	Conversations   []freshdeskReply `json:"conversations"`
	CustomFields    map[string]any   `json:"custom_fields"`
}

// FreshdeskClient issues paced, retried calls against the Freshdesk API.
// All remote traffic of a run goes through one instance so the pacing
// interval is enforced globally.
type FreshdeskClient struct {
	cfg      Config
	client   *http.Client
	baseURL  string
	lastCall time.Time
	sleep    func(time.Duration)
}

func NewFreshdeskClient(cfg Config) *FreshdeskClient {
	return &FreshdeskClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: externalHTTPTimeout},
		baseURL: fmt.Sprintf("https://%s.freshdesk.com/api/v2", cfg.FreshdeskDomain),
		sleep:   time.Sleep,
	}
}

// pace blocks until the minimum inter-call interval since the last
// successful call has elapsed.
func (f *FreshdeskClient) pace() {
	if f.lastCall.IsZero() {
		return
	}
	elapsed := time.Since(f.lastCall)
	if elapsed < f.cfg.MinCallInterval() {
		f.sleep(f.cfg.MinCallInterval() - elapsed)
	}
}

func retryAfterDuration(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

// doGet issues one paced request. It classifies failures: 429 becomes
// *ThrottledError, network errors and 5xx become *TransientError, any other
// non-200 status is terminal.
func (f *FreshdeskClient) doGet(apiURL string) ([]byte, error) {
	req, err := http.NewRequest("GET", apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	// Freshdesk basic auth: API key as username, "X" as password.
	req.SetBasicAuth(f.cfg.FreshdeskAPIKey, "X")

	f.pace()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransientError{URL: apiURL, Attempts: 1, Err: err}
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottledError{URL: apiURL, RetryAfter: retryAfterDuration(resp.Header.Get("Retry-After"))}
	}
	if readErr != nil {
		return nil, &TransientError{URL: apiURL, Status: resp.StatusCode, Attempts: 1, Err: readErr}
	}
	if resp.StatusCode >= 500 {
		return nil, &TransientError{
			URL:      apiURL,
			Status:   resp.StatusCode,
			Attempts: 1,
			Err:      fmt.Errorf("freshdesk API returned %d: %s", resp.StatusCode, string(body)),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("freshdesk API returned %d: %s", resp.StatusCode, string(body))
	}

	f.lastCall = time.Now()
	return body, nil
}

// getJSON fetches apiURL and decodes the response into out. Throttling is
// waited out and retried without consuming an attempt; transient failures
// retry with exponential backoff up to the configured attempt budget and
// then surface the last *TransientError to the caller.
func (f *FreshdeskClient) getJSON(apiURL string, out any) error {
	backoff := time.Second
	attempt := 0

	for {
		body, err := f.doGet(apiURL)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("parsing response from %s: %w", apiURL, err)
			}
			return nil
		}

		var throttled *ThrottledError
		if errors.As(err, &throttled) {
			log.Printf("freshdesk rate limit hit url=%s sleeping=%s", apiURL, throttled.RetryAfter)
			f.sleep(throttled.RetryAfter)
			continue // never counts against the attempt budget
		}

		var transient *TransientError
		if !errors.As(err, &transient) {
			return err
		}

		attempt++
		if attempt >= f.cfg.MaxFetchAttempts {
			transient.Attempts = attempt
			return transient
		}
		log.Printf("freshdesk fetch error url=%s attempt=%d retrying in %s: %v", apiURL, attempt, backoff, transient.Err)
		f.sleep(backoff)
		backoff *= 2
	}
}

func (f *FreshdeskClient) searchURL(page int) string {
	return fmt.Sprintf("%s/search/tickets?query=%%22%s%%22&page=%d",
		f.baseURL, url.QueryEscape(f.cfg.TicketSearchQuery), page)
}

func (f *FreshdeskClient) ticketURL(ticketID int64) string {
	return fmt.Sprintf("%s/tickets/%d?include=conversations", f.baseURL, ticketID)
}

// FetchResolvedTicketIDs pages through the ticket search until an empty page
// and returns ids sorted ascending by last-update timestamp. A page that
// returns zero results ends pagination even before maxPages is reached.
func (f *FreshdeskClient) FetchResolvedTicketIDs(maxPages int) ([]int64, error) {
	type stampedID struct {
		ts time.Time
		id int64
	}
	var tickets []stampedID

	for page := 1; page <= maxPages; page++ {
		var data freshdeskSearchResponse
		if err := f.getJSON(f.searchURL(page), &data); err != nil {
			return nil, fmt.Errorf("searching tickets page %d: %w", page, err)
		}
		if len(data.Results) == 0 {
			break
		}
		for _, r := range data.Results {
			ts, err := time.Parse("2006-01-02T15:04:05Z", r.UpdatedAt)
			if err != nil {
				// Malformed timestamps sort first rather than being dropped.
				ts = time.Time{}
			}
			tickets = append(tickets, stampedID{ts: ts, id: r.ID})
		}
	}

	sort.SliceStable(tickets, func(i, j int) bool {
		return tickets[i].ts.Before(tickets[j].ts)
	})

	ids := make([]int64, 0, len(tickets))
	for _, t := range tickets {
		ids = append(ids, t.id)
	}
	return ids, nil
}

// FetchTicket returns the full ticket including its ordered reply records.
func (f *FreshdeskClient) FetchTicket(ticketID int64) (*freshdeskTicket, error) {
	var ticket freshdeskTicket
	if err := f.getJSON(f.ticketURL(ticketID), &ticket); err != nil {
		return nil, fmt.Errorf("fetching ticket %d: %w", ticketID, err)
	}
	return &ticket, nil
}
