// Package identity resolves the current user from the identity collaborator.
package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
)

const (
	DefaultPath     = "/current-user"
	DefaultAttempts = 4
	resolveOp       = "identity fetch"
)

// Resolver returns the id of the logged-in user.
type Resolver interface {
	CurrentUser(ctx context.Context) (string, error)
}

// Client implements Resolver against `GET current-user -> {id}`.
type Client struct {
	client *resty.Client
	path   string
}

var _ Resolver = &Client{}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	rc := resty.New()
	rc.SetBaseURL(strings.TrimRight(baseURL, "/"))
	rc.SetHeader("Accept", "application/json")
	if timeout > 0 {
		rc.SetTimeout(timeout)
	}
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &Client{client: rc, path: DefaultPath}
}

func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := c.client.R().SetContext(ctx).Get(c.path)
	if err != nil {
		return "", &chaterrors.NetworkError{Op: resolveOp, Err: err}
	}
	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", &chaterrors.AuthenticationError{Op: resolveOp, StatusCode: status, Err: errors.New(http.StatusText(status))}
	case status >= 500 || status == http.StatusTooManyRequests:
		return "", &chaterrors.NetworkError{Op: resolveOp, StatusCode: status, Err: errors.New(http.StatusText(status))}
	case status >= 400:
		return "", &chaterrors.FormatError{Op: resolveOp, Err: errors.Errorf("HTTP %d", status)}
	}

	var body struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", &chaterrors.FormatError{Op: resolveOp, Err: errors.Wrap(err, "decode body")}
	}
	id := strings.Trim(strings.TrimSpace(string(body.ID)), `"`)
	if id == "" || id == "null" {
		return "", &chaterrors.FormatError{Op: resolveOp, Err: errors.New("missing id")}
	}
	return id, nil
}

// ResolveWithRetry retries transient failures with randomized exponential backoff.
// Authentication and format errors are permanent and returned immediately.
func ResolveWithRetry(ctx context.Context, r Resolver, attempts int, initial time.Duration) (string, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	eb := backoff.NewExponentialBackOff()
	if initial > 0 {
		eb.InitialInterval = initial
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	var id string
	try := 0
	err := backoff.Retry(func() error {
		try++
		var err error
		id, err = r.CurrentUser(ctx)
		if err == nil {
			return nil
		}
		if !chaterrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("component", "identity").Int("attempt", try).Msg("identity fetch failed, retrying")
		return err
	}, b)
	if err != nil {
		return "", err
	}
	return id, nil
}
