package nlsql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const refusalPrefix = "ERROR:"

const defaultSystemPrompt = "You convert natural language questions into a single DuckDB SQL query. " +
	"DuckDB uses PostgreSQL-like SQL syntax. " +
	"Only SELECT statements are allowed. Use only the tables and columns listed in the context. " +
	"Return ONLY SQL. No markdown, no explanation. " +
	"If the question cannot be answered from the listed tables, respond with exactly " +
	"\"ERROR:\" followed by a one sentence reason."

type OpenAIConfig struct {
	BaseURL          string
	APIKey           string
	Model            string
	Temperature      float64
	Timeout          time.Duration
	SystemPromptPath string
}

type OpenAIGenerator struct {
	baseURL      string
	apiKey       string
	model        string
	temperature  float64
	systemPrompt string
	client       *http.Client
}

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	systemPrompt := defaultSystemPrompt
	if path := strings.TrimSpace(cfg.SystemPromptPath); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read system prompt %s: %w", path, err)
		}
		if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
			systemPrompt = trimmed
		}
	}
	return &OpenAIGenerator{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:       strings.TrimSpace(cfg.APIKey),
		model:        model,
		temperature:  cfg.Temperature,
		systemPrompt: systemPrompt,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	payload, err := buildOpenAIPayload(g.model, g.temperature, g.systemPrompt, req)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawRespBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("empty chat completion choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if refusal, ok := parseRefusal(content); ok {
		return Result{Refusal: refusal, Model: g.model}, nil
	}
	sql := stripMarkdownSQL(content)
	if strings.TrimSpace(sql) == "" {
		return Result{}, fmt.Errorf("model returned empty SQL")
	}
	return Result{SQL: sql, Model: g.model}, nil
}

func buildOpenAIPayload(model string, temperature float64, systemPrompt string, req Request) (map[string]any, error) {
	tablesJSON, err := json.Marshal(req.Tables)
	if err != nil {
		return nil, fmt.Errorf("marshal table context: %w", err)
	}
	userPrompt := fmt.Sprintf(
		"Available tables (JSON):\n%s\n\nQuestion:\n%s\n\nRules:\n- Use only listed tables and columns.\n- Prefer explicit columns.\n- Output a single SQL query only.",
		string(tablesJSON),
		strings.TrimSpace(req.Question),
	)

	return map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": temperature,
	}, nil
}

// parseRefusal matches the `ERROR: <reason>` protocol, tolerating a markdown
// fence around it.
func parseRefusal(content string) (string, bool) {
	trimmed := stripMarkdownSQL(content)
	if !strings.HasPrefix(trimmed, refusalPrefix) {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(trimmed, refusalPrefix))
	if reason == "" {
		reason = "the question cannot be answered from the available data"
	}
	return reason, true
}

func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
