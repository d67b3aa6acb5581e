// Package history fetches reverse-chronological message pages from the history
// REST collaborator and decides which page to load next.
package history

import (
	"context"

	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// PageRequest identifies one page. Probe marks a request only issued to learn the
// page count.
type PageRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`
	Probe     bool   `json:"probe,omitempty"`
}

// Pagination is the server-reported page information.
type Pagination struct {
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Page is one fetched page; Messages are newest-first as delivered.
type Page struct {
	Messages   []timeline.Message
	Pagination Pagination
}

// Fetcher is implemented by Client and by test doubles.
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}
