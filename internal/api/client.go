package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"millrace/internal/validator"
)

// Client talks to a running daemon over its HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a client for the daemon listening at bind
// ("host:port" or a full URL). token may be empty when the daemon does not
// require authentication.
func NewClient(bind, token string) *Client {
	base := strings.TrimSpace(bind)
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Status fetches daemon runtime information.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var status DaemonStatus
	if err := c.get(ctx, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListDocuments fetches documents, optionally filtered by status.
func (c *Client) ListDocuments(ctx context.Context, statuses ...string) ([]Document, error) {
	query := url.Values{}
	for _, status := range statuses {
		query.Add("status", status)
	}
	var resp DocumentListResponse
	if err := c.get(ctx, "/api/documents", query, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// DescribeDocument fetches one document with job and history. A nil
// response means the daemon does not know the document.
func (c *Client) DescribeDocument(ctx context.Context, documentID string) (*DocumentDetailResponse, error) {
	var resp DocumentDetailResponse
	err := c.get(ctx, "/api/documents/"+url.PathEscape(documentID), nil, &resp)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ingest asks the daemon to register the file at sourcePath for ownerID.
// The path must be visible to the daemon process.
func (c *Client) Ingest(ctx context.Context, ownerID, sourcePath string) (*IngestResponse, error) {
	var resp IngestResponse
	if err := c.post(ctx, "/api/documents", IngestRequest{OwnerID: ownerID, SourcePath: sourcePath}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events fetches the global transition feed after the given cursor.
// afterID disambiguates events sharing the cursor timestamp; pass the
// NextID from the previous page alongside Next.
func (c *Client) Events(ctx context.Context, after time.Time, afterID string, limit int) (*EventListResponse, error) {
	query := url.Values{}
	if !after.IsZero() {
		query.Set("after", after.UTC().Format(time.RFC3339Nano))
	}
	if afterID != "" {
		query.Set("after_id", afterID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp EventListResponse
	if err := c.get(ctx, "/api/events", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Report fetches the most recent consistency audit. A nil report means
// the validator has not completed a pass yet.
func (c *Client) Report(ctx context.Context) (*validator.Report, error) {
	var report validator.Report
	err := c.get(ctx, "/api/report", nil, &report)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Requeue returns deadletter jobs to the queue. An empty id list requeues
// all of them.
func (c *Client) Requeue(ctx context.Context, jobIDs ...int64) (int64, error) {
	var resp RequeueResponse
	if err := c.post(ctx, "/api/jobs/requeue", RequeueRequest{JobIDs: jobIDs}, &resp); err != nil {
		return 0, err
	}
	return resp.Requeued, nil
}

// Healthy reports whether the daemon answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	err := c.get(ctx, "/healthz", nil, nil)
	return err == nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr ErrorResponse
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
		}
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError carries a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("daemon returned HTTP %d: %s", e.Code, e.Message)
}

func isNotFound(err error) bool {
	statusErr, ok := err.(*StatusError)
	return ok && statusErr.Code == http.StatusNotFound
}
