package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const semanticSystemPrompt = `You are a client-note analysis system for a financial advisor. Analyze the provided note text.

RULES:
1. Extract ONLY explicitly stated information - never infer beyond the text
2. People must be actual named individuals, not generic references
3. Return ONLY the JSON object, no additional text

JSON SCHEMA:
{
  "summary": "one-sentence summary of the note",
  "affect": "positive | neutral | negative",
  "facts": ["short factual statements"],
  "implications": ["business implications, e.g. Potential opportunity"],
  "people": [
    {"name": "William", "relationship": "son", "aliases": [], "is_new_person": true}
  ],
  "topics": [
    {"product_type": "Life Insurance", "amount": "$50,000", "beneficiary": "William", "sentiment": "wants"}
  ],
  "actions": ["follow-up actions the advisor should take"]
}`

// SemanticConfig configures the semantic analyzer's chat endpoint.
type SemanticConfig struct {
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries"`
}

// Semantic analyzes notes via an OpenAI-compatible chat completion API.
// When the endpoint is unreachable the dispatcher falls back to the rule
// tier, so every failure here is recoverable by design.
type Semantic struct {
	config SemanticConfig
	http   *http.Client

	probeMu      sync.Mutex
	probeAt      time.Time
	probeHealthy bool
}

// probeTTL bounds how often the availability probe actually touches the
// network; between probes the cached verdict is reused.
const probeTTL = 30 * time.Second

// NewSemantic creates a semantic analyzer. Returns nil when no endpoint is
// configured, which the dispatcher treats as "tier absent".
func NewSemantic(cfg SemanticConfig) *Semantic {
	if cfg.Endpoint == "" {
		return nil
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	return &Semantic{
		config: cfg,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		},
	}
}

// Available probes the endpoint. Any HTTP response counts as available —
// even an error status proves the service is reachable; only transport
// failures disqualify the tier.
func (s *Semantic) Available(ctx context.Context) bool {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	if time.Since(s.probeAt) < probeTTL {
		return s.probeHealthy
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, "GET", s.config.Endpoint, nil)
	if err != nil {
		s.probeAt, s.probeHealthy = time.Now(), false
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		s.probeAt, s.probeHealthy = time.Now(), false
		return false
	}
	resp.Body.Close()

	s.probeAt, s.probeHealthy = time.Now(), true
	return true
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Analyze sends the note to the chat endpoint and parses the structured
// reply. Transient failures are retried with exponential backoff.
func (s *Semantic) Analyze(ctx context.Context, text string) (*Artifact, error) {
	req := chatRequest{
		Model: s.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: semanticSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Analyze this note:\n\n---\n%s\n---\n\nReturn JSON matching the schema.", text)},
		},
		Temperature:    0.1,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		art, err := s.attempt(ctx, req)
		if err == nil {
			return art, nil
		}
		lastErr = err

		if attempt == s.config.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		}
	}

	return nil, fmt.Errorf("semantic analysis failed after %d attempts: %w", s.config.MaxRetries+1, lastErr)
}

func (s *Semantic) attempt(ctx context.Context, req chatRequest) (*Artifact, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.config.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateForError(string(respBody), 200))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	content := chat.Choices[0].Message.Content
	if content == "" {
		return nil, fmt.Errorf("empty response content")
	}

	return parseArtifact(content)
}

// parseArtifact parses the model's JSON, stripping markdown code fences
// that some models wrap around JSON despite instructions.
func parseArtifact(raw string) (*Artifact, error) {
	cleaned := strings.TrimSpace(raw)

	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		start, end := 0, len(lines)
		for i, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				if start == 0 {
					start = i + 1
				} else {
					end = i
					break
				}
			}
		}
		if start > 0 && end > start {
			cleaned = strings.Join(lines[start:end], "\n")
		}
	}
	cleaned = strings.TrimSpace(cleaned)

	art := emptyArtifact(ExtractorSemantic)
	if err := json.Unmarshal([]byte(cleaned), art); err != nil {
		return nil, fmt.Errorf("invalid JSON from model: %w\nraw: %s", err, truncateForError(raw, 300))
	}

	// Re-normalize after unmarshal: the decoder may have nulled slices and
	// the provenance tag is ours to set, not the model's.
	art.ExtractorUsed = ExtractorSemantic
	if art.Affect != AffectPositive && art.Affect != AffectNegative {
		art.Affect = AffectNeutral
	}
	if art.Facts == nil {
		art.Facts = []string{}
	}
	if art.Implications == nil {
		art.Implications = []string{}
	}
	if art.People == nil {
		art.People = []PersonEntity{}
	}
	if art.Topics == nil {
		art.Topics = []TopicEntity{}
	}
	if art.Actions == nil {
		art.Actions = []string{}
	}

	return art, nil
}

func truncateForError(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}
