package wasender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/theteta/controltower/internal/model"
)

// APIError is a typed provider failure. Outbound sends surface it to the
// caller; history sync treats it as "nothing imported".
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("wasender error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("wasender request failed: %s", e.Message)
}

// Client wraps the Wasender HTTP API with finite timeouts.
type Client struct {
	baseURL   string
	apiKey    string
	sessionID string
	http      *http.Client
}

// NewClient builds a provider client. timeout bounds every request.
func NewClient(baseURL, apiKey, sessionID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    strings.TrimSpace(apiKey),
		sessionID: sessionID,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) request(ctx context.Context, method, path string, params url.Values, body any) (any, error) {
	if c.apiKey == "" {
		return nil, &APIError{Message: "WASENDER_API_KEY is not configured"}
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 400 {
		excerpt := strings.TrimSpace(string(respBody))
		if len(excerpt) > 240 {
			excerpt = excerpt[:240] + "..."
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: excerpt}
	}

	if len(respBody) == 0 {
		return map[string]any{}, nil
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return map[string]any{"raw": string(respBody)}, nil
	}

	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &APIError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parsed, nil
}

// FetchMessageLogs returns one page of raw message-log rows for the
// configured session.
func (c *Client) FetchMessageLogs(ctx context.Context, page, perPage int) ([]map[string]any, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	payload, err := c.request(ctx, http.MethodGet,
		fmt.Sprintf("/api/whatsapp-sessions/%s/message-logs", c.sessionID), params, nil)
	if err != nil {
		return nil, err
	}
	return DataRows(payload), nil
}

// FetchHistoryForPhone pages through the message log and returns every
// normalized message addressed to or from the given phone, deduplicated
// within the run and sorted by timestamp ascending. Paging stops at the
// page cap or on a short page.
func (c *Client) FetchHistoryForPhone(ctx context.Context, phone string, perPage, maxPages int) ([]ProviderMessage, error) {
	target := NormalizeWaID(phone)
	if target == "" {
		return nil, nil
	}

	var collected []ProviderMessage
	seen := make(map[string]bool)
	for page := 1; page <= maxPages; page++ {
		rows, err := c.FetchMessageLogs(ctx, page, perPage)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			message, ok := NormalizeMessage(row, model.SenderAgent)
			if !ok || message.WaID != target {
				continue
			}
			key := message.DedupKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			collected = append(collected, message)
		}

		if len(rows) < perPage {
			break
		}
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].Ts.Before(collected[j].Ts) })
	return collected, nil
}

// SendText pushes an outbound text message and returns the provider
// message id when the provider reports one.
func (c *Client) SendText(ctx context.Context, phone, text string) (string, error) {
	payload, err := c.request(ctx, http.MethodPost,
		fmt.Sprintf("/api/whatsapp-sessions/%s/messages/text", c.sessionID), nil,
		map[string]any{"to": NormalizeWaID(phone), "text": text})
	if err != nil {
		return "", err
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return "", nil
	}
	id := firstPresentValues(obj["message_id"], obj["id"])
	if nested, ok := id.(map[string]any); ok {
		id = nested["id"]
	}
	if id == nil {
		return "", nil
	}
	return stringify(id), nil
}
