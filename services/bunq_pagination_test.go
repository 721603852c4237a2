package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func walkItem(id string) WalkItem {
	return WalkItem{ID: id, Raw: map[string]json.RawMessage{"Payment": json.RawMessage(fmt.Sprintf(`{"id":%s}`, id))}}
}

func scriptedFetch(pages []*FetchedPage) PageFetchFunc {
	call := 0
	return func(_ context.Context, _, _ string) (*FetchedPage, error) {
		page := pages[call]
		call++
		return page, nil
	}
}

func TestWalkStopsWhenNoNextCursor(t *testing.T) {
	pages := []*FetchedPage{
		{Items: []WalkItem{walkItem("3"), walkItem("2")}, Cursor: PaginationCursor{OlderID: "2"}},
		{Items: []WalkItem{walkItem("1")}, Cursor: PaginationCursor{}},
	}

	result, err := NewPaginationWalker().Walk(context.Background(), scriptedFetch(pages), WalkOptions{Direction: WalkOlder})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if result.StopReason != StopNoNextCursor {
		t.Fatalf("Expected no_next_cursor, got %s", result.StopReason)
	}
	if result.Pages != 2 || len(result.Items) != 3 {
		t.Fatalf("Expected 2 pages and 3 items, got %d pages, %d items", result.Pages, len(result.Items))
	}
}

func TestWalkStopsAtMaxPages(t *testing.T) {
	call := 0
	fetch := func(_ context.Context, _, _ string) (*FetchedPage, error) {
		call++
		id := fmt.Sprintf("%d", 100-call)
		return &FetchedPage{
			Items:  []WalkItem{walkItem(id)},
			Cursor: PaginationCursor{OlderID: id},
		}, nil
	}

	result, err := NewPaginationWalker().Walk(context.Background(), fetch, WalkOptions{Direction: WalkOlder, MaxPages: 3})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if result.StopReason != StopMaxPagesReached {
		t.Fatalf("Expected max_pages_reached, got %s", result.StopReason)
	}
	if result.Pages != 3 || call != 3 {
		t.Fatalf("Expected exactly 3 fetches, got %d", call)
	}
}

func TestWalkStopsWhenCursorNotAdvancing(t *testing.T) {
	fetch := func(_ context.Context, _, _ string) (*FetchedPage, error) {
		return &FetchedPage{
			Items:  []WalkItem{walkItem("7")},
			Cursor: PaginationCursor{OlderID: "7"},
		}, nil
	}

	result, err := NewPaginationWalker().Walk(context.Background(), fetch, WalkOptions{Direction: WalkOlder})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if result.StopReason != StopCursorNotAdvancing {
		t.Fatalf("Expected cursor_not_advancing, got %s", result.StopReason)
	}
	if result.Pages != 2 {
		t.Fatalf("Expected 2 pages before detecting the echo, got %d", result.Pages)
	}
}

func TestWalkStopsWhenComplete(t *testing.T) {
	collected := 0
	fetch := func(_ context.Context, _, _ string) (*FetchedPage, error) {
		collected++
		id := fmt.Sprintf("%d", 100-collected)
		return &FetchedPage{
			Items:  []WalkItem{walkItem(id)},
			Cursor: PaginationCursor{OlderID: id},
		}, nil
	}

	result, err := NewPaginationWalker().Walk(context.Background(), fetch, WalkOptions{
		Direction: WalkOlder,
		Complete:  func() bool { return collected >= 2 },
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if result.StopReason != StopComplete {
		t.Fatalf("Expected complete, got %s", result.StopReason)
	}
	if result.Pages != 2 {
		t.Fatalf("Expected 2 pages, got %d", result.Pages)
	}
}

func TestWalkStopsWhenStalled(t *testing.T) {
	pagesServed := 0
	fetch := func(_ context.Context, _, _ string) (*FetchedPage, error) {
		pagesServed++
		id := fmt.Sprintf("%d", 100-pagesServed)
		return &FetchedPage{
			Items:  []WalkItem{walkItem(id)},
			Cursor: PaginationCursor{OlderID: id},
		}, nil
	}

	result, err := NewPaginationWalker().Walk(context.Background(), fetch, WalkOptions{
		Direction: WalkOlder,
		Stalled:   func() bool { return pagesServed >= 3 },
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if result.StopReason != StopStalled {
		t.Fatalf("Expected stalled, got %s", result.StopReason)
	}
}

func TestWalkRespectsTimeBudget(t *testing.T) {
	clock := newFakeClock()
	walker := NewPaginationWalker()
	walker.Now = clock.Now

	fetch := func(_ context.Context, _, _ string) (*FetchedPage, error) {
		// Each page takes 4s of wall time.
		clock.Advance(4 * time.Second)
		return &FetchedPage{
			Items:  []WalkItem{walkItem(fmt.Sprintf("%d", clock.Now().Unix()))},
			Cursor: PaginationCursor{OlderID: "next"},
		}, nil
	}

	result, err := walker.Walk(context.Background(), fetch, WalkOptions{
		Direction:  WalkOlder,
		TimeBudget: 10 * time.Second,
		MaxPages:   100,
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if result.StopReason != StopTimeBudgetExceeded {
		t.Fatalf("Expected time_budget_exceeded, got %s", result.StopReason)
	}
	// Pages already fetched are kept; the walk stops before the next fetch.
	if result.Pages != 3 {
		t.Fatalf("Expected 3 pages within a 10s budget at 4s/page, got %d", result.Pages)
	}
	if len(result.Items) == 0 {
		t.Fatal("Partial results must be kept when the budget runs out")
	}
}

func TestWalkDeduplicatesAcrossPages(t *testing.T) {
	pages := []*FetchedPage{
		{Items: []WalkItem{walkItem("5"), walkItem("4")}, Cursor: PaginationCursor{OlderID: "4"}},
		{Items: []WalkItem{walkItem("4"), walkItem("3"), {ID: ""}}, Cursor: PaginationCursor{}},
	}

	result, err := NewPaginationWalker().Walk(context.Background(), scriptedFetch(pages), WalkOptions{Direction: WalkOlder})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if len(result.Items) != 3 {
		t.Fatalf("Expected overlap and id-less entries dropped, got %d items", len(result.Items))
	}
	want := []string{"5", "4", "3"}
	for i, item := range result.Items {
		if item.ID != want[i] {
			t.Fatalf("Item %d = %s, want %s", i, item.ID, want[i])
		}
	}
}

func TestWalkPropagatesFetchError(t *testing.T) {
	boom := errors.New("transport down")
	fetch := func(_ context.Context, _, _ string) (*FetchedPage, error) {
		return nil, boom
	}
	_, err := NewPaginationWalker().Walk(context.Background(), fetch, WalkOptions{Direction: WalkOlder})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected fetch error, got %v", err)
	}
}

func TestWalkNewerFollowsNewerCursor(t *testing.T) {
	var seenIDs []string
	pages := []*FetchedPage{
		{Items: []WalkItem{walkItem("10")}, Cursor: PaginationCursor{NewerID: "10", NewerURL: "/v1/user/1/payment?newer_id=10"}},
		{Items: []WalkItem{walkItem("11")}, Cursor: PaginationCursor{}},
	}
	call := 0
	fetch := func(_ context.Context, cursorID, cursorURL string) (*FetchedPage, error) {
		seenIDs = append(seenIDs, cursorID)
		page := pages[call]
		call++
		return page, nil
	}

	result, err := NewPaginationWalker().Walk(context.Background(), fetch, WalkOptions{
		Direction:       WalkNewer,
		InitialCursorID: "9",
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if result.StopReason != StopNoNextCursor {
		t.Fatalf("Expected no_next_cursor, got %s", result.StopReason)
	}
	if seenIDs[0] != "9" || seenIDs[1] != "10" {
		t.Fatalf("Cursor did not advance through newer ids: %v", seenIDs)
	}
}

func TestExtractPaginationCursorTopLevel(t *testing.T) {
	envelope := &BunqEnvelope{
		Pagination: &BunqPaginationBlock{
			OlderID:  json.Number("41"),
			NewerID:  json.Number("99"),
			OlderURL: "/v1/user/1/payment?older_id=41",
		},
	}
	cursor := ExtractPaginationCursor(envelope)
	if cursor.OlderID != "41" || cursor.NewerID != "99" {
		t.Fatalf("Unexpected cursor: %+v", cursor)
	}
}

func TestExtractPaginationCursorEmbedded(t *testing.T) {
	envelope := &BunqEnvelope{
		Response: []map[string]json.RawMessage{
			{"Payment": json.RawMessage(`{"id":5}`)},
			{"Pagination": json.RawMessage(`{"older_id":4,"older_url":"/v1/user/1/payment?older_id=4"}`)},
		},
	}
	cursor := ExtractPaginationCursor(envelope)
	if cursor.OlderID != "4" {
		t.Fatalf("Embedded pagination not found: %+v", cursor)
	}
}

func TestExtractPaginationCursorIDFromURL(t *testing.T) {
	envelope := &BunqEnvelope{
		Pagination: &BunqPaginationBlock{
			OlderURL: "https://api.bunq.com/v1/user/1/payment?count=200&older_id=37",
		},
	}
	cursor := ExtractPaginationCursor(envelope)
	if cursor.OlderID != "37" {
		t.Fatalf("Expected id recovered from URL, got %+v", cursor)
	}
}

func TestExtractPaginationCursorAbsent(t *testing.T) {
	cursor := ExtractPaginationCursor(&BunqEnvelope{})
	if cursor != (PaginationCursor{}) {
		t.Fatalf("Expected empty cursor, got %+v", cursor)
	}
}

func TestPathFromPaginationURL(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"/v1/user/1/payment?older_id=4&count=200", "/user/1/payment?older_id=4&count=200"},
		{"https://api.bunq.com/v1/user/1/event?newer_id=9", "/user/1/event?newer_id=9"},
		{"/user/1/payment", "/user/1/payment"},
	}
	for _, tc := range cases {
		if got := PathFromPaginationURL(tc.raw); got != tc.want {
			t.Fatalf("PathFromPaginationURL(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
