package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pvavrin/facelens/internal/store"
)

const defaultTimeout = 5 * time.Minute

// Client is an HTTP client for the face extraction service.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates an extraction client. timeout bounds each call; a silent
// collaborator fails with ErrNoResponse instead of hanging forever.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
	}
}

// archiveResponse is the wire shape of a processed archive.
type archiveResponse struct {
	Metadata Metadata                `json:"metadata"`
	Records  []store.EmbeddingRecord `json:"embeddings"`
	Error    string                  `json:"error,omitempty"`
}

// faceResponse is the wire shape of a single-image extraction.
type faceResponse struct {
	FacesCount int                   `json:"faces_count"`
	Faces      []store.FaceEmbedding `json:"faces"`
	Error      string                `json:"error,omitempty"`
}

func (c *Client) ProcessArchive(ctx context.Context, jobID, collectionID string, archive []byte, filename string) (*Result, error) {
	fields := map[string]string{
		"job_id":        jobID,
		"collection_id": collectionID,
	}
	body, err := c.postMultipart(ctx, "/process-archive", "archive", filename, archive, fields)
	if err != nil {
		return nil, err
	}

	var resp archiveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrDomain, resp.Error)
	}

	return &Result{Metadata: resp.Metadata, Records: resp.Records}, nil
}

func (c *Client) ExtractReference(ctx context.Context, image []byte) ([]store.FaceEmbedding, error) {
	body, err := c.postMultipart(ctx, "/extract-faces", "file", "reference.jpg", image, nil)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrDomain, resp.Error)
	}

	return resp.Faces, nil
}

// postMultipart posts a file plus form fields and returns the response body.
// Responses are classified: 4xx wraps ErrDomain, timeouts wrap ErrNoResponse,
// everything else is transient.
func (c *Client) postMultipart(ctx context.Context, endpoint, fileField, filename string, data []byte, fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("failed to write form field: %w", err)
		}
	}

	part, err := writer.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Only our own per-call timeout counts as collaborator silence;
			// an expired caller deadline is the caller's problem.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request failed: %w", ctx.Err())
			}
			return nil, fmt.Errorf("%w after %s", ErrNoResponse, c.timeout)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrDomain, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return nil, fmt.Errorf("extraction service error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
