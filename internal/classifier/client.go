// Package classifier предоставляет клиент для сервиса распознавания перерабатываемых предметов.
// Используется OpenAI-совместимый API чат-завершений (Groq).
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const systemPrompt = `You classify household items for a recycling app.
Reply with a JSON object {"recyclable": boolean, "category": string}.
category is one of: plastic, paper, glass, metal, electronic, organic, other.`

// Client инкапсулирует HTTP-взаимодействие с сервисом классификации.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// Verdict описывает решение классификатора по одному предмету.
type Verdict struct {
	Recyclable bool   `json:"recyclable"`
	Category   string `json:"category"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewClient создаёт HTTP-клиент классификатора по указанному адресу API.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Classify запрашивает классификацию предмета по его текстовому описанию.
// При ответе 429 возвращает код ответа и рекомендуемую паузу без ошибки.
func (c *Client) Classify(ctx context.Context, label string) (*Verdict, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("classifier client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: label},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	if len(chat.Choices) == 0 {
		return nil, resp.StatusCode, 0, fmt.Errorf("empty completion")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &verdict); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode verdict: %w", err)
	}
	verdict.Category = strings.ToLower(strings.TrimSpace(verdict.Category))

	return &verdict, resp.StatusCode, 0, nil
}
