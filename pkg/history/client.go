package history

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultEndpointPath = "/conversation"
	fetchOp             = "history fetch"
)

// Client talks to the history REST collaborator.
type Client struct {
	client *resty.Client
	path   string
}

var _ Fetcher = &Client{}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.client.SetTimeout(d)
		}
	}
}

func WithAuthToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.client.SetAuthToken(token)
		}
	}
}

func WithEndpointPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.path = path
		}
	}
}

// WithRestyClient replaces the underlying client, e.g. to share transport settings.
func WithRestyClient(rc *resty.Client) ClientOption {
	return func(c *Client) {
		if rc != nil {
			c.client = rc
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	rc := resty.New()
	rc.SetBaseURL(strings.TrimRight(baseURL, "/"))
	rc.SetTimeout(DefaultTimeout)
	rc.SetHeader("Accept", "application/json")

	c := &Client{client: rc, path: DefaultEndpointPath}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type wireMessage struct {
	ID        json.RawMessage `json:"id"`
	Content   string          `json:"content"`
	CreatedAt json.RawMessage `json:"createdAt"`
	Role      string          `json:"role"`
}

type wireResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		Messages   []wireMessage `json:"messages"`
		Pagination *Pagination   `json:"pagination"`
	} `json:"data"`
	Message string `json:"message,omitempty"`
}

// FetchPage requests one page. Transport failures, timeouts and 5xx answers are
// NetworkErrors; malformed payloads are FormatErrors.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	if req.Page < 1 {
		return Page{}, errors.Errorf("history fetch: invalid page %d", req.Page)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"sessionId": req.SessionID,
			"userId":    req.UserID,
			"page":      strconv.Itoa(req.Page),
			"limit":     strconv.Itoa(req.Limit),
		}).
		Get(c.path)
	if err != nil {
		return Page{}, &chaterrors.NetworkError{Op: fetchOp, Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Page{}, &chaterrors.AuthenticationError{Op: fetchOp, StatusCode: status, Err: errors.New(http.StatusText(status))}
	case status == http.StatusTooManyRequests || status >= 500:
		return Page{}, &chaterrors.NetworkError{Op: fetchOp, StatusCode: status, Err: errors.New(http.StatusText(status))}
	case status >= 400:
		return Page{}, &chaterrors.FormatError{Op: fetchOp, Err: errors.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(resp.Body())))}
	}

	page, err := decodePage(resp.Body())
	if err != nil {
		log.Error().Err(err).Str("component", "history").Str("session_id", req.SessionID).Int("page", req.Page).Msg("unexpected history response")
		return Page{}, &chaterrors.FormatError{Op: fetchOp, Err: err}
	}
	log.Debug().Str("component", "history").Str("session_id", req.SessionID).
		Int("page", req.Page).Int("messages", len(page.Messages)).
		Int("pages", page.Pagination.Pages).Int("total", page.Pagination.Total).
		Msg("history page fetched")
	return page, nil
}

func decodePage(body []byte) (Page, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return Page{}, errors.Wrap(err, "decode body")
	}
	if !wr.Success {
		if wr.Message != "" {
			return Page{}, errors.Errorf("request not successful: %s", wr.Message)
		}
		return Page{}, errors.New("request not successful")
	}
	if wr.Data == nil {
		return Page{}, errors.New("missing data")
	}
	if wr.Data.Pagination == nil {
		return Page{}, errors.New("missing pagination")
	}
	if wr.Data.Pagination.Pages < 0 || wr.Data.Pagination.Total < 0 {
		return Page{}, errors.Errorf("negative pagination %+v", *wr.Data.Pagination)
	}

	msgs := make([]timeline.Message, 0, len(wr.Data.Messages))
	for i, wm := range wr.Data.Messages {
		id, err := decodeID(wm.ID)
		if err != nil {
			return Page{}, errors.Wrapf(err, "message %d", i)
		}
		createdAt, err := decodeTime(wm.CreatedAt)
		if err != nil {
			return Page{}, errors.Wrapf(err, "message %s", id)
		}
		msgs = append(msgs, timeline.Message{
			ID:        id,
			Content:   wm.Content,
			CreatedAt: createdAt,
			Sender:    timeline.SenderFromRole(wm.Role),
		})
	}
	return Page{Messages: msgs, Pagination: *wr.Data.Pagination}, nil
}

// ids arrive as strings or numbers depending on the backing store.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errors.Wrap(err, "decode id")
		}
		if strings.TrimSpace(s) == "" {
			return "", errors.New("empty id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.Wrap(err, "decode id")
	}
	return n.String(), nil
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("missing createdAt")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, errors.Wrap(err, "decode createdAt")
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, errors.Wrap(err, "parse createdAt")
		}
		return t, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, errors.Wrap(err, "decode createdAt")
	}
	return time.UnixMilli(ms).UTC(), nil
}
