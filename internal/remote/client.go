package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the HTTP implementation of the three collaborator interfaces.
// It owns its own timeout: every call resolves to a result, never hangs.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-call timeout. Defaults to 15 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying http.Client entirely.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the backend at baseURL. The token, when
// set, is sent as a bearer credential.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitGrades implements GradeSubmitter.
func (c *Client) SubmitGrades(ctx context.Context, req SubmitGradesRequest) error {
	return c.post(ctx, "/teacher/grades/submit", req)
}

// CreateStudentNote implements NoteCreator.
func (c *Client) CreateStudentNote(ctx context.Context, req CreateStudentNoteRequest) error {
	return c.post(ctx, "/teacher/students/"+url.PathEscape(req.StudentID)+"/notes", req)
}

// CurrentTerm implements TermResolver.
func (c *Client) CurrentTerm(ctx context.Context, schoolYearID string) (*Term, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet,
		"/school-years/"+url.PathEscape(schoolYearID)+"/current-term", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("current term: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no current term for school year %s", schoolYearID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("current term: %s", readError(resp))
	}

	var term Term
	if err := json.NewDecoder(resp.Body).Decode(&term); err != nil {
		return nil, fmt.Errorf("current term: decode: %w", err)
	}
	return &term, nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s", readError(resp))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// readError extracts the remote's error message so it can be surfaced
// verbatim. Falls back to the HTTP status when the body is not the
// expected shape.
func readError(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(body) == 0 {
		return resp.Status
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(body))
}
