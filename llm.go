package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

// Decider classifies one conversation against the current issue summaries.
// The production implementation calls an LLM; tests substitute a
// deterministic stand-in.
type Decider interface {
	Classify(conv Conversation, issues []IssueSummary) (ClassificationDecision, LLMUsage, error)
}

type LLMUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u LLMUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *LLMUsage) Add(other LLMUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// LLMDecider implements Decider against the configured provider. With Debug
// set it prints the prompts and the raw model output.
type LLMDecider struct {
	cfg   Config
	Debug bool
}

func NewLLMDecider(cfg Config) *LLMDecider {
	return &LLMDecider{cfg: cfg}
}

func (d *LLMDecider) Classify(conv Conversation, issues []IssueSummary) (ClassificationDecision, LLMUsage, error) {
	systemPrompt, userPrompt := buildClassifyPrompts(conv, issues)
	if d.Debug {
		fmt.Println("\n--- SYSTEM MESSAGE ---\n" + systemPrompt)
		fmt.Println("\n--- USER MESSAGE ---\n" + userPrompt)
	}

	var responseText string
	var usage LLMUsage
	var callErr error

	switch d.cfg.LLMProvider {
	case "openai":
		model := d.cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		log.Printf("llm classify provider=openai model=%s ticket=%d issues=%d", model, conv.TicketID, len(issues))
		responseText, usage, callErr = callOpenAI(d.cfg.OpenAIAPIKey, model, systemPrompt, userPrompt)
	default:
		model := d.cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		log.Printf("llm classify provider=anthropic model=%s ticket=%d issues=%d", model, conv.TicketID, len(issues))
		responseText, usage, callErr = callAnthropic(d.cfg.AnthropicAPIKey, model, systemPrompt, userPrompt)
	}
	if callErr != nil {
		return ClassificationDecision{}, usage, callErr
	}

	if d.Debug {
		fmt.Println("\n--- RAW LLM RESPONSE ---\n" + responseText)
	}

	decision, err := parseDecisionResponse(responseText)
	return decision, usage, err
}

const classifySystemPrompt = `You are a customer support issue classifier for Silo, a smart vacuum-sealing food storage system (Wi-Fi base with scale, vacuum pump and built-in Alexa; sealing containers; mobile app; cloud backend).

For the given customer support conversation and the provided issue list, decide whether the conversation matches an existing issue or describes a new one.
- If it matches an existing issue, reuse that issue_id and update its data with any new, valuable details.
- If it is new, set issue_id to null and describe the new issue.
- If the conversation covers multiple problems, classify only the primary one.

Confidence scoring:
- 0.9 - 1.0: exact same root cause and symptoms as an existing issue.
- 0.7 - 0.89: very similar to an existing issue with some variation.
- 0.4 - 0.69: similar keywords but different or unclear root cause; set issue_id to null.
- 0.1 - 0.39: clearly distinct; set issue_id to null.

category must be one of: 'Setup & Connectivity', 'Alexa & Labeling', 'Mobile App', 'Device & Hardware', 'Container and Lid', 'Shipping & Account', 'Other'.
resolution_steps are numbered, stepwise instructions ("1. ", "2. ", ...).
notes hold facts useful to a future support agent, never reasoning or user-reporting details.

Respond with a single JSON object only (no code blocks, no extra text), all fields present:
{"issue_id": "string | null", "category": "string", "short_description": "string", "keywords": ["string"], "root_cause": "string", "resolution_steps": ["string"], "confidence": 0.0, "notes": "string"}`

func buildClassifyPrompts(conv Conversation, issues []IssueSummary) (string, string) {
	var summaryLines strings.Builder
	for _, issue := range issues {
		summaryLines.WriteString(fmt.Sprintf("%s: %s / %s / %s | %s\n",
			issue.IssueID, issue.Category, issue.ShortDescription, issue.RootCause,
			strings.Join(issue.Keywords, ", ")))
	}
	summaryBlock := "<none>"
	if summaryLines.Len() > 0 {
		summaryBlock = summaryLines.String()
	}

	convJSON, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		convJSON = []byte(fmt.Sprintf(`{"ticket_id": %d}`, conv.TicketID))
	}

	userPrompt := "Current issues database summary (ID: category / short description / root cause | keywords):\n" +
		summaryBlock +
		"\n---\nConversation JSON:\n" + string(convJSON) +
		"\n---\nProvide your response in JSON format without code block."
	return classifySystemPrompt, userPrompt
}

// decisionResponse is the wire shape of the model's verdict. Fields the
// model tends to get wrong are RawMessage so shape drift degrades gracefully
// instead of failing the whole object.
type decisionResponse struct {
	IssueID          json.RawMessage `json:"issue_id"`
	Category         string          `json:"category"`
	ShortDescription string          `json:"short_description"`
	Keywords         []string        `json:"keywords"`
	RootCause        string          `json:"root_cause"`
	ResolutionSteps  json.RawMessage `json:"resolution_steps"`
	Confidence       float64         `json:"confidence"`
	Notes            string          `json:"notes"`
}

// parseDecisionResponse decodes the model output, tolerating code fences,
// extra unknown fields, and minor shape drift. A response that does not
// decode as the expected object fails with *MalformedDecisionError.
func parseDecisionResponse(responseText string) (ClassificationDecision, error) {
	cleaned := strings.TrimSpace(responseText)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var resp decisionResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return ClassificationDecision{}, &MalformedDecisionError{Raw: responseText, Err: err}
	}

	return ClassificationDecision{
		IssueID:          parseIssueIDField(resp.IssueID),
		Category:         strings.TrimSpace(resp.Category),
		ShortDescription: strings.TrimSpace(resp.ShortDescription),
		Keywords:         resp.Keywords,
		RootCause:        strings.TrimSpace(resp.RootCause),
		ResolutionSteps:  parseStepsField(resp.ResolutionSteps),
		Confidence:       resp.Confidence,
		Notes:            strings.TrimSpace(resp.Notes),
	}, nil
}

// parseIssueIDField accepts "ISSUE-0001", null, or an absent field; anything
// else is treated as no suggestion.
func parseIssueIDField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return strings.TrimSpace(id)
}

// parseStepsField accepts ["1. ...", "2. ..."] or a single string; models
// occasionally collapse the list.
func parseStepsField(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var steps []string
	if err := json.Unmarshal(raw, &steps); err == nil {
		return steps
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		single = strings.TrimSpace(single)
		if single != "" {
			return []string{single}
		}
	}
	return nil
}

// --- Anthropic ---

func callAnthropic(apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	message, err := client.Messages.New(context.Background(), anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", LLMUsage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := LLMUsage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d cache_create=%d cache_read=%d", len(block.Text), usage.InputTokens, usage.OutputTokens, usage.CacheCreationInputTokens, usage.CacheReadInputTokens)
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

// --- OpenAI ---

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func callOpenAI(apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	reqBody := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", LLMUsage{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("reading response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", LLMUsage{}, fmt.Errorf("parsing OpenAI response: %w", err)
	}

	if openAIResp.Error != nil {
		log.Printf("llm openai api error: %s", openAIResp.Error.Message)
		return "", LLMUsage{}, fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}

	if len(openAIResp.Choices) == 0 {
		return "", LLMUsage{}, fmt.Errorf("no choices in OpenAI response")
	}
	usage := LLMUsage{}
	if openAIResp.Usage != nil {
		usage.InputTokens = openAIResp.Usage.PromptTokens
		usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}

	log.Printf("llm openai response size=%d tokens_in=%d tokens_out=%d", len(openAIResp.Choices[0].Message.Content), usage.InputTokens, usage.OutputTokens)
	return openAIResp.Choices[0].Message.Content, usage, nil
}
