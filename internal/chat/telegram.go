package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIURL = "https://api.telegram.org"

// Telegram implements Sender over the Telegram Bot API using sendMessage and
// sendMediaGroup.
type Telegram struct {
	apiURL string
	token  string
	client *http.Client
}

// NewTelegram creates a Telegram sender. apiURL overrides the Bot API host
// for tests; pass an empty string for the real one.
func NewTelegram(token, apiURL string) *Telegram {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Telegram{
		apiURL: apiURL,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *Telegram) SendText(ctx context.Context, target, text string) error {
	payload := map[string]any{
		"chat_id": target,
		"text":    text,
	}
	return t.call(ctx, "sendMessage", payload)
}

func (t *Telegram) SendMediaBatch(ctx context.Context, target string, items []MediaItem) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > MaxBatchSize {
		return fmt.Errorf("media batch of %d exceeds limit of %d", len(items), MaxBatchSize)
	}

	media := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{
			"type":  "photo",
			"media": item.URL,
		}
		if item.Caption != "" {
			entry["caption"] = item.Caption
		}
		media = append(media, entry)
	}

	payload := map[string]any{
		"chat_id": target,
		"media":   media,
	}
	return t.call(ctx, "sendMediaGroup", payload)
}

// apiResponse is the Bot API envelope. Only the fields needed for error
// reporting are decoded.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

func (t *Telegram) call(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.apiURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("%s returned unreadable response (status %d): %w", method, resp.StatusCode, err)
	}
	if !parsed.OK {
		return fmt.Errorf("%s rejected (code %d): %s", method, parsed.ErrorCode, parsed.Description)
	}
	return nil
}
