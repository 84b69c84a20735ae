package listing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func makeRows(n int, start time.Time) []fakeRow {
	rows := make([]fakeRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, fakeRow{
			id:        uint(i + 1),
			subjects:  []uint{uint(i%3 + 1)},
			tags:      []string{"online"},
			texts:     []string{fmt.Sprintf("row %d", i+1)},
			changedAt: start.Add(time.Duration(i) * time.Minute),
		})
	}
	return rows
}

func visibleIDs(rows []fakeRow) []uint {
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.id)
	}
	return ids
}

func TestControllerToggleFilterRestoresFullSet(t *testing.T) {
	rows := makeRows(6, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewController(rows, 0)

	if got := len(c.Visible()); got != 6 {
		t.Fatalf("initial visible = %d, want 6", got)
	}

	c.SetSubject(uintPtr(1))
	filtered := c.Visible()
	for _, r := range filtered {
		if r.subjects[0] != 1 {
			t.Fatalf("row %d leaked through subject filter", r.id)
		}
	}
	if len(filtered) == 6 {
		t.Fatal("subject filter did not narrow the set")
	}

	// 关闭过滤器必须恢复原集合，不需要重新拉取。
	c.SetSubject(nil)
	if got := len(c.Visible()); got != 6 {
		t.Fatalf("visible after toggle off = %d, want 6", got)
	}
}

func TestControllerSortsByLastChangedDesc(t *testing.T) {
	rows := makeRows(5, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewController(rows, 0)

	visible := c.Visible()
	for i := 1; i < len(visible); i++ {
		if visible[i].changedAt.After(visible[i-1].changedAt) {
			t.Fatalf("visible not sorted desc at index %d", i)
		}
	}
	if visible[0].id != 5 {
		t.Fatalf("most recent row = %d, want 5", visible[0].id)
	}
}

func TestControllerLoadMoreExtendsWindow(t *testing.T) {
	rows := makeRows(15, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewController(rows, 10)

	if got := len(c.Visible()); got != 10 {
		t.Fatalf("first window = %d, want 10", got)
	}

	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}

	visible := c.Visible()
	if len(visible) != 15 {
		t.Fatalf("after LoadMore visible = %d, want 15", len(visible))
	}
	seen := map[uint]bool{}
	for _, r := range visible {
		if seen[r.id] {
			t.Fatalf("duplicate row %d after LoadMore", r.id)
		}
		seen[r.id] = true
	}
}

func TestControllerFilterChangeResetsWindow(t *testing.T) {
	rows := makeRows(30, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewController(rows, 10)

	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if got := len(c.Visible()); got != 20 {
		t.Fatalf("extended window = %d, want 20", got)
	}

	// 任何过滤变更都把窗口收回第一页。
	c.SetSearch("row")
	if got := len(c.Visible()); got != 10 {
		t.Fatalf("window after filter change = %d, want 10", got)
	}
}

// scriptedSource 按预设脚本响应 Fetch，并支持人为延后返回。
type scriptedSource struct {
	mu    sync.Mutex
	calls int
	fetch func(call int, f Filters, p Params) ([]fakeRow, error)
}

func (s *scriptedSource) Fetch(_ context.Context, f Filters, p Params) ([]fakeRow, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fetch(call, f, p)
}

func TestRemoteControllerRefreshReplacesVisible(t *testing.T) {
	rows := makeRows(3, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	src := &scriptedSource{fetch: func(int, Filters, Params) ([]fakeRow, error) {
		return rows, nil
	}}
	c := NewRemoteController[fakeRow](src, 10)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(c.Visible()); got != 3 {
		t.Fatalf("visible = %d, want 3", got)
	}
}

func TestRemoteControllerDiscardsStaleResponse(t *testing.T) {
	old := makeRows(2, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	fresh := makeRows(1, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	src := &scriptedSource{fetch: func(call int, _ Filters, _ Params) ([]fakeRow, error) {
		if call == 1 {
			close(firstStarted)
			<-release
			return old, nil
		}
		return fresh, nil
	}}
	c := NewRemoteController[fakeRow](src, 10)

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	<-firstStarted

	// 第一次请求还在途时过滤条件再次变更并刷新。
	c.SetSearch("fresh")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	visible := c.Visible()
	if len(visible) != 1 || visible[0].id != fresh[0].id {
		t.Fatalf("stale response overwrote fresh result: %v", visibleIDs(visible))
	}
}

func TestRemoteControllerFetchErrorKeepsVisible(t *testing.T) {
	rows := makeRows(2, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	boom := errors.New("connection refused")
	src := &scriptedSource{fetch: func(call int, _ Filters, _ Params) ([]fakeRow, error) {
		if call == 1 {
			return rows, nil
		}
		return nil, boom
	}}
	c := NewRemoteController[fakeRow](src, 10)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	err := c.Refresh(context.Background())
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped cause", err)
	}
	// 失败不清空上一次的可见集。
	if got := len(c.Visible()); got != 2 {
		t.Fatalf("visible after failed refresh = %d, want 2", got)
	}
}

func TestRemoteControllerLoadMoreRetriesSamePageAfterFailure(t *testing.T) {
	all := makeRows(30, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	var pagesRequested []int
	src := &scriptedSource{fetch: func(call int, _ Filters, p Params) ([]fakeRow, error) {
		pagesRequested = append(pagesRequested, p.Page)
		if call == 2 {
			return nil, errors.New("connection reset")
		}
		start := (p.Page - 1) * p.PerPage
		end := start + p.PerPage
		if start >= len(all) {
			return nil, nil
		}
		if end > len(all) {
			end = len(all)
		}
		return all[start:end], nil
	}}
	c := NewRemoteController[fakeRow](src, 10)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := c.LoadMore(context.Background()); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("first LoadMore error = %v, want ErrFetchFailed", err)
	}
	if got := len(c.Visible()); got != 10 {
		t.Fatalf("visible after failed LoadMore = %d, want 10", got)
	}

	// 手动重试必须重新请求同一页，不能跳页。
	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("retried LoadMore: %v", err)
	}

	visible := c.Visible()
	if len(visible) != 20 {
		t.Fatalf("visible after retry = %d, want 20", len(visible))
	}
	seen := map[uint]bool{}
	for _, r := range visible {
		seen[r.id] = true
	}
	for id := uint(1); id <= 20; id++ {
		if !seen[id] {
			t.Fatalf("row %d missing after retry: %v", id, visibleIDs(visible))
		}
	}
	want := []int{1, 2, 2}
	if len(pagesRequested) != len(want) {
		t.Fatalf("pages requested = %v, want %v", pagesRequested, want)
	}
	for i, p := range want {
		if pagesRequested[i] != p {
			t.Fatalf("pages requested = %v, want %v", pagesRequested, want)
		}
	}
}

func TestControllerSubscribeAndUnsubscribe(t *testing.T) {
	rows := makeRows(4, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewController(rows, 0)

	var mu sync.Mutex
	notifications := 0
	unsubscribe := c.Subscribe(func([]fakeRow) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	c.SetSearch("row")
	mu.Lock()
	if notifications != 1 {
		mu.Unlock()
		t.Fatalf("notifications = %d, want 1", notifications)
	}
	mu.Unlock()

	unsubscribe()
	c.SetSearch("")
	mu.Lock()
	defer mu.Unlock()
	if notifications != 1 {
		t.Fatalf("notifications after unsubscribe = %d, want 1", notifications)
	}
}
