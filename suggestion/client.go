package suggestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var ErrNotConfigured = errors.New("suggestion service is not configured")

// Client calls the external text-suggestion service. Suggestions are advisory:
// callers treat any error as "no suggestions available".
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClientFromEnv returns ErrNotConfigured when SUGGESTION_API_BASE_URL is unset.
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("SUGGESTION_API_BASE_URL"))
	if baseURL == "" {
		return nil, ErrNotConfigured
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("SUGGESTION_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	ratePerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("SUGGESTION_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ratePerMin = n
		}
	}
	return NewClient(baseURL, os.Getenv("SUGGESTION_API_KEY"), apiKeyHeader, time.Minute/time.Duration(ratePerMin)), nil
}

func NewClient(baseURL, apiKey, apiKeyHeader string, interval time.Duration) *Client {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    strings.TrimSpace(apiKey),
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
	if interval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return c
}

type remedialRequest struct {
	Statement string `json:"statement"`
	Evidence  string `json:"evidence"`
}

type correctiveRequest struct {
	RootCauses []string `json:"root_causes"`
}

type suggestionResponse struct {
	Suggestions []string `json:"suggestions"`
}

// SuggestRemedialActions proposes immediate containment actions for a nonconformity.
func (c *Client) SuggestRemedialActions(ctx context.Context, statement, evidence string) ([]string, error) {
	return c.post(ctx, "/suggestions/remedial", remedialRequest{Statement: statement, Evidence: evidence})
}

// SuggestCorrectiveActions proposes actions addressing each root cause.
func (c *Client) SuggestCorrectiveActions(ctx context.Context, rootCauses []string) ([]string, error) {
	if len(rootCauses) == 0 {
		return []string{}, nil
	}
	return c.post(ctx, "/suggestions/corrective", correctiveRequest{RootCauses: rootCauses})
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]string, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("suggestion api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed suggestionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parsed.Suggestions))
	for _, s := range parsed.Suggestions {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
