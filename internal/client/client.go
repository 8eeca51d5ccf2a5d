package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Only-tech/agglo-transcribe/internal/transcript"
	"github.com/Only-tech/agglo-transcribe/internal/transcription"
)

// ErrUnauthorized is returned when the server rejects the caller identity
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is an unexpected non-2xx answer from the server
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Message)
}

// Config contains API client configuration
type Config struct {
	ServerURL string
	UserID    string
	UserName  string
	Timeout   time.Duration // per request, zero disables
}

// Transcription is the text the server produced for one upload
type Transcription struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Stats contains client request statistics
type Stats struct {
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
}

// Client talks to the transcript service on behalf of one participant
type Client struct {
	baseURL    *url.URL
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	requests atomic.Uint64
	failures atomic.Uint64
}

// New creates a new API client
func New(config Config, logger *slog.Logger) (*Client, error) {
	if config.ServerURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}

	base, err := url.Parse(strings.TrimRight(config.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https, got %q", base.Scheme)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: base,
		config:  config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("X-User-Id", c.config.UserID)
	if c.config.UserName != "" {
		req.Header.Set("X-User-Name", c.config.UserName)
	}
	req.Header.Set("User-Agent", "agglo-transcribe/1.0")
}

// do sends req and decodes a JSON answer into out
func (c *Client) do(req *http.Request, out interface{}) error {
	c.authorize(req)
	c.requests.Add(1)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.failures.Add(1)
		return statusToError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(body)
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}

// statusToError maps server answers back onto the domain error taxonomy
func statusToError(code int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		message = payload.Error
	}

	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", transcript.ErrInvalidInput, message)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, message)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", transcript.ErrForbidden, message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", transcript.ErrNotFound, message)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", transcription.ErrEngineUnavailable, message)
	case http.StatusBadGateway:
		return fmt.Errorf("%w: %s", transcription.ErrEngineError, message)
	}
	return &StatusError{Code: code, Message: message}
}

// uploadResponse covers both {"id","text"} and {"transcription": null}
type uploadResponse struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (c *Client) upload(ctx context.Context, path string, fields map[string]string,
	clip []byte, filename, mimeType string) (*Transcription, error) {

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(clip); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp uploadResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, nil
	}
	return &Transcription{ID: resp.ID, Text: resp.Text}, nil
}

// SubmitChunk posts one window of a live recording. A nil result means the
// server produced no transcription for it.
func (c *Client) SubmitChunk(ctx context.Context, meetingID, sessionID string, clip []byte,
	filename, mimeType string) (*Transcription, error) {
	return c.upload(ctx, "/chunk", map[string]string{
		"meetingId": meetingID,
		"sessionId": sessionID,
	}, clip, filename, mimeType)
}

// UploadFile posts a complete recording from disk
func (c *Client) UploadFile(ctx context.Context, meetingID, path string) (*Transcription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return c.upload(ctx, "/file", map[string]string{"meetingId": meetingID},
		data, filepath.Base(path), mimeForPath(path))
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	case ".ogg":
		return "audio/ogg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	}
	return "application/octet-stream"
}

// ListEntries fetches the ordered transcript of a meeting
func (c *Client) ListEntries(ctx context.Context, meetingID string) ([]transcript.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("/entries", url.Values{"meetingId": {meetingID}}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	var resp struct {
		Entries []transcript.Entry `json:"entries"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// EditEntry replaces the text of one of the caller's entries
func (c *Client) EditEntry(ctx context.Context, entryID, newText string) (transcript.Entry, error) {
	payload, err := json.Marshal(map[string]string{"newText": newText})
	if err != nil {
		return transcript.Entry{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint("/entries/"+url.PathEscape(entryID), nil), bytes.NewReader(payload))
	if err != nil {
		return transcript.Entry{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Entry transcript.Entry `json:"entry"`
	}
	if err := c.do(req, &resp); err != nil {
		return transcript.Entry{}, err
	}
	return resp.Entry, nil
}

// Export downloads the plain-text transcript of a meeting
func (c *Client) Export(ctx context.Context, meetingID string, includeNames bool) (string, error) {
	query := url.Values{"meetingId": {meetingID}}
	if !includeNames {
		query.Set("names", "false")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/entries/export", query), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	var text string
	if err := c.do(req, &text); err != nil {
		return "", err
	}
	return text, nil
}

// DialEntries opens the websocket change feed of a meeting
func (c *Client) DialEntries(ctx context.Context, meetingID string) (*websocket.Conn, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.baseURL.Path + "/entries/ws"
	u.RawQuery = url.Values{"meetingId": {meetingID}}.Encode()

	header := http.Header{}
	header.Set("X-User-Id", c.config.UserID)
	if c.config.UserName != "" {
		header.Set("X-User-Name", c.config.UserName)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return nil, statusToError(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	return Stats{
		Requests: c.requests.Load(),
		Failures: c.failures.Load(),
	}
}

// UserID returns the participant this client acts for
func (c *Client) UserID() string {
	return c.config.UserID
}
