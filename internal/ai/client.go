// Package ai converts natural language questions into SQL by calling
// an external language model with the formatted schema as context.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrForbiddenSQL is returned when generated SQL contains a statement
// other than a read-only SELECT.
var ErrForbiddenSQL = errors.New("query contains forbidden operations")

const defaultEndpoint = "https://api.anthropic.com/v1/messages"
const apiVersion = "2023-06-01"

// Client calls the Anthropic messages API.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a client for the given API key and model.
func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey:     apiKey,
		model:      model,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type messageRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateSQL asks the model to translate a question into a PostgreSQL
// query, given the formatted schema text. The result is stripped of
// markdown fences and checked against the read-only safety gate.
func (c *Client) GenerateSQL(ctx context.Context, question, schemaText string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("API key not configured")
	}

	prompt := fmt.Sprintf(`You are a SQL expert. Convert the following natural language question into a PostgreSQL query.

%s

User Question: %s

Requirements:
1. Generate ONLY the SQL query, no explanations
2. Use proper PostgreSQL syntax
3. Make the query safe (SELECT only, no modifications)
4. Use appropriate JOINs if multiple tables are needed
5. Add LIMIT clauses where appropriate to prevent overwhelming results
6. Return only valid, executable SQL

SQL Query:`, schemaText, question)

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	sql := StripFences(raw)
	if err := CheckReadOnly(sql); err != nil {
		return "", err
	}
	return sql, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(messageRequest{
		Model:     c.model,
		MaxTokens: 1024,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read model response: %w", err)
	}

	var parsed messageResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("model API %s: %s", parsed.Error.Type, parsed.Error.Message)
		}
		return "", fmt.Errorf("model API returned status %d", resp.StatusCode)
	}
	if len(parsed.Content) == 0 {
		return "", errors.New("model returned no content")
	}
	return strings.TrimSpace(parsed.Content[0].Text), nil
}

// StripFences removes surrounding markdown code fences from generated
// SQL.
func StripFences(sql string) string {
	sql = strings.TrimSpace(sql)
	if strings.HasPrefix(sql, "```sql") {
		sql = sql[len("```sql"):]
	} else if strings.HasPrefix(sql, "```") {
		sql = sql[len("```"):]
	}
	sql = strings.TrimSuffix(strings.TrimSpace(sql), "```")
	return strings.TrimSpace(sql)
}

var forbiddenKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "ALTER", "CREATE", "TRUNCATE",
}

// CheckReadOnly rejects SQL containing data- or schema-modifying
// keywords. The scan is token-based so column names like updated_at do
// not trip it.
func CheckReadOnly(sql string) error {
	for _, tok := range strings.FieldsFunc(sql, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		upper := strings.ToUpper(tok)
		for _, kw := range forbiddenKeywords {
			if upper == kw {
				return fmt.Errorf("%w: %s", ErrForbiddenSQL, kw)
			}
		}
	}
	return nil
}
