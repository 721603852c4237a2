package services

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// PaginationCursor holds the opaque tokens extracted from a response
// envelope. The server-provided URLs are authoritative for follow-up
// requests.
type PaginationCursor struct {
	OlderID   string
	NewerID   string
	FutureID  string
	OlderURL  string
	NewerURL  string
	FutureURL string
}

type WalkDirection string

const (
	WalkOlder WalkDirection = "older" // historical backfill
	WalkNewer WalkDirection = "newer" // incremental sync
)

// StopReason records which stopping condition ended a traversal.
type StopReason string

const (
	StopTimeBudgetExceeded StopReason = "time_budget_exceeded"
	StopMaxPagesReached    StopReason = "max_pages_reached"
	StopNoNextCursor       StopReason = "no_next_cursor"
	StopCursorNotAdvancing StopReason = "cursor_not_advancing"
	StopComplete           StopReason = "complete"
	StopStalled            StopReason = "stalled"
)

// WalkItem is one deduplicated collection entry: the provider id plus the
// raw single-key object from the Response array.
type WalkItem struct {
	ID  string
	Raw map[string]json.RawMessage
}

// FetchedPage is what a page fetch function hands back to the walker.
type FetchedPage struct {
	Items  []WalkItem
	Cursor PaginationCursor
}

// PageFetchFunc performs one page request. The cursor carries the id and the
// verbatim server URL to continue from; both are empty on the first call.
type PageFetchFunc func(ctx context.Context, cursorID, cursorURL string) (*FetchedPage, error)

type WalkOptions struct {
	Direction  WalkDirection
	PageSize   int
	MaxPages   int
	TimeBudget time.Duration

	// InitialCursorID seeds the traversal (e.g. resuming an incremental
	// sync from a persisted newer_id).
	InitialCursorID string

	// Complete stops the walk once the caller has everything it needs.
	// Checked after each page, before fetching the next.
	Complete func() bool

	// Stalled stops the walk when pages no longer make progress by the
	// caller's definition.
	Stalled func() bool
}

type WalkResult struct {
	Items      []WalkItem
	Pages      int
	StopReason StopReason
	LastCursor PaginationCursor
}

// PaginationWalker drives repeated page fetches, advancing the cursor until
// a stopping condition fires. Page contents are deduplicated against
// already-seen ids before being yielded.
type PaginationWalker struct {
	Now func() time.Time
}

func NewPaginationWalker() *PaginationWalker {
	return &PaginationWalker{Now: time.Now}
}

const (
	DefaultPageSize          = 200
	DefaultMaxPages          = 20
	DefaultPaymentTimeBudget = 20 * time.Second
	DefaultEventTimeBudget   = 30 * time.Second
)

func (w *PaginationWalker) Walk(ctx context.Context, fetch PageFetchFunc, opts WalkOptions) (*WalkResult, error) {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	timeBudget := opts.TimeBudget
	if timeBudget <= 0 {
		timeBudget = DefaultPaymentTimeBudget
	}

	now := w.Now
	if now == nil {
		now = time.Now
	}
	deadline := now().Add(timeBudget)

	result := &WalkResult{}
	seen := make(map[string]bool)

	cursorID := opts.InitialCursorID
	cursorURL := ""

	for {
		// Budget and cancellation are checked cooperatively at the top of
		// every page iteration, not preemptively mid-request.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !now().Before(deadline) {
			result.StopReason = StopTimeBudgetExceeded
			return result, nil
		}
		if result.Pages >= maxPages {
			result.StopReason = StopMaxPagesReached
			return result, nil
		}

		page, err := fetch(ctx, cursorID, cursorURL)
		if err != nil {
			return nil, err
		}
		result.Pages++
		result.LastCursor = page.Cursor

		for _, item := range page.Items {
			if item.ID == "" || seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			result.Items = append(result.Items, item)
		}

		if opts.Complete != nil && opts.Complete() {
			result.StopReason = StopComplete
			return result, nil
		}
		if opts.Stalled != nil && opts.Stalled() {
			result.StopReason = StopStalled
			return result, nil
		}

		nextID, nextURL := nextCursor(page.Cursor, opts.Direction)
		if nextID == "" && nextURL == "" {
			result.StopReason = StopNoNextCursor
			return result, nil
		}
		// Defensive guard against a server echoing the same cursor forever.
		if nextID != "" && nextID == cursorID {
			result.StopReason = StopCursorNotAdvancing
			return result, nil
		}
		cursorID = nextID
		cursorURL = nextURL
	}
}

func nextCursor(cursor PaginationCursor, direction WalkDirection) (string, string) {
	if direction == WalkNewer {
		return cursor.NewerID, cursor.NewerURL
	}
	return cursor.OlderID, cursor.OlderURL
}

// PathFromPaginationURL turns a server pagination URL into a request path
// relative to the API base, keeping the query string verbatim.
func PathFromPaginationURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.TrimPrefix(parsed.Path, "/v1")
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return path
}

// ExtractPaginationCursor pulls pagination tokens from a response envelope.
// The block appears either top-level or embedded as a Response entry; ids
// missing from the block are recovered from the URLs.
func ExtractPaginationCursor(envelope *BunqEnvelope) PaginationCursor {
	block := envelope.Pagination
	if block == nil {
		for _, entry := range envelope.Response {
			raw, ok := entry["Pagination"]
			if !ok {
				continue
			}
			var embedded BunqPaginationBlock
			if err := json.Unmarshal(raw, &embedded); err == nil {
				block = &embedded
				break
			}
		}
	}
	if block == nil {
		return PaginationCursor{}
	}

	cursor := PaginationCursor{
		OlderID:   block.OlderID.String(),
		NewerID:   block.NewerID.String(),
		FutureID:  block.FutureID.String(),
		OlderURL:  block.OlderURL,
		NewerURL:  block.NewerURL,
		FutureURL: block.FutureURL,
	}
	if cursor.OlderID == "" {
		cursor.OlderID = queryParam(block.OlderURL, "older_id")
	}
	if cursor.NewerID == "" {
		cursor.NewerID = queryParam(block.NewerURL, "newer_id")
	}
	if cursor.FutureID == "" {
		cursor.FutureID = queryParam(block.FutureURL, "future_id")
	}
	return cursor
}

func queryParam(rawURL, name string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Query().Get(name)
}
