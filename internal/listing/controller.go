package listing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrFetchFailed 标记远端查询失败；控制器不自动重试，由调用方触发刷新。
var ErrFetchFailed = errors.New("fetch failed")

// Source 是远端模式下的数据来源，按当前过滤条件返回一页行。
type Source[T Item] interface {
	Fetch(ctx context.Context, f Filters, p Params) ([]T, error)
}

// Controller 持有一份行集合、一组过滤维度与分页窗口，
// 在每次过滤变更或数据刷新后重算可见子集并通知订阅者。
//
// 两种工作模式：
//   - 客户端模式（NewController）：行集合已在内存中，过滤变更同步重算，
//     关闭过滤器即恢复原集合，无需重新拉取；
//   - 远端模式（NewRemoteController）：每次 Refresh/LoadMore 发起一次
//     带递增序号的查询，过期响应一律丢弃，保证快速连续变更下
//     只有最后一次请求的结果落到可见状态。
type Controller[T Item] struct {
	mu      sync.Mutex
	items   []T
	source  Source[T]
	filters Filters
	perPage int
	pages   int
	visible []T
	seq     uint64
	subs    map[int]func([]T)
	nextSub int
}

// NewController 构造客户端模式的控制器。perPage 为 0 时不做窗口截断。
func NewController[T Item](items []T, perPage int) *Controller[T] {
	c := &Controller[T]{
		items:   append([]T(nil), items...),
		perPage: perPage,
		pages:   1,
		subs:    map[int]func([]T){},
	}
	c.recomputeLocked()
	return c
}

// NewRemoteController 构造远端模式的控制器。
func NewRemoteController[T Item](source Source[T], perPage int) *Controller[T] {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	return &Controller[T]{
		source:  source,
		perPage: perPage,
		pages:   1,
		subs:    map[int]func([]T){},
	}
}

// Filters 返回当前过滤配置的副本。
func (c *Controller[T]) Filters() Filters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

// Visible 返回当前可见子集的副本。
func (c *Controller[T]) Visible() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.visible...)
}

// SetSubject 启停科目过滤，nil 为关闭。
func (c *Controller[T]) SetSubject(id *uint) {
	c.updateFilters(func(f *Filters) { f.SubjectID = id })
}

// SetTag 启停标签过滤，nil 为关闭。
func (c *Controller[T]) SetTag(tag *string) {
	c.updateFilters(func(f *Filters) { f.Tag = tag })
}

// SetSearch 更新自由文本过滤，空串为关闭。
func (c *Controller[T]) SetSearch(q string) {
	c.updateFilters(func(f *Filters) { f.Search = q })
}

// SetArchive 切换归档三态。
func (c *Controller[T]) SetArchive(state ArchiveState) {
	c.updateFilters(func(f *Filters) { f.Archive = state })
}

// SetDateRange 启停时间范围过滤。
func (c *Controller[T]) SetDateRange(from, to *time.Time) {
	c.updateFilters(func(f *Filters) {
		f.DateFrom = from
		f.DateTo = to
	})
}

// updateFilters 应用一次过滤变更：窗口回到第一页，并使在途响应失效。
func (c *Controller[T]) updateFilters(mutate func(*Filters)) {
	c.mu.Lock()
	mutate(&c.filters)
	c.pages = 1
	c.seq++
	if c.source != nil {
		c.mu.Unlock()
		return
	}
	c.recomputeLocked()
	visible, subs := c.snapshotLocked()
	c.mu.Unlock()
	notify(subs, visible)
}

// Reload 替换客户端模式的底层行集合（数据刷新后调用）。
func (c *Controller[T]) Reload(items []T) {
	c.mu.Lock()
	if c.source != nil {
		c.mu.Unlock()
		return
	}
	c.items = append([]T(nil), items...)
	c.recomputeLocked()
	visible, subs := c.snapshotLocked()
	c.mu.Unlock()
	notify(subs, visible)
}

// Refresh 在远端模式下按当前过滤条件重新拉取第一页并替换可见集。
// 客户端模式下仅重算。
func (c *Controller[T]) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.source == nil {
		c.recomputeLocked()
		visible, subs := c.snapshotLocked()
		c.mu.Unlock()
		notify(subs, visible)
		return nil
	}
	c.pages = 1
	c.seq++
	seq := c.seq
	f := c.filters
	p := Params{Page: 1, PerPage: c.perPage}
	src := c.source
	c.mu.Unlock()

	rows, err := src.Fetch(ctx, f, p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	c.apply(seq, rows, true)
	return nil
}

// LoadMore 把窗口向后扩一页：远端模式拉取下一页并追加，客户端模式放宽截断。
func (c *Controller[T]) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	c.pages++
	if c.source == nil {
		c.recomputeLocked()
		visible, subs := c.snapshotLocked()
		c.mu.Unlock()
		notify(subs, visible)
		return nil
	}
	c.seq++
	seq := c.seq
	f := c.filters
	p := Params{Page: c.pages, PerPage: c.perPage}
	src := c.source
	c.mu.Unlock()

	rows, err := src.Fetch(ctx, f, p)
	if err != nil {
		// 失败时回退页计数，下次重试请求的仍是同一页。
		c.mu.Lock()
		if c.seq == seq {
			c.pages--
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	c.apply(seq, rows, false)
	return nil
}

// Subscribe 注册可见集变更回调，返回注销函数；注销后回调不再触发。
func (c *Controller[T]) Subscribe(fn func(visible []T)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// apply 仅接受序号最新的响应，过期响应直接丢弃。
func (c *Controller[T]) apply(seq uint64, rows []T, replace bool) {
	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		return
	}
	if replace {
		c.visible = append([]T(nil), rows...)
	} else {
		c.visible = append(c.visible, rows...)
	}
	visible, subs := c.snapshotLocked()
	c.mu.Unlock()
	notify(subs, visible)
}

// recomputeLocked 重算客户端模式的可见集：过滤、按最后修改时间降序
// 稳定排序（相同时间保持插入顺序）、按窗口截断。
func (c *Controller[T]) recomputeLocked() {
	matched := make([]T, 0, len(c.items))
	for _, it := range c.items {
		if c.filters.Matches(it) {
			matched = append(matched, it)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].LastChangedAt().After(matched[j].LastChangedAt())
	})

	if c.perPage > 0 {
		window := c.pages * c.perPage
		if len(matched) > window {
			matched = matched[:window]
		}
	}
	c.visible = matched
}

func (c *Controller[T]) snapshotLocked() ([]T, []func([]T)) {
	visible := append([]T(nil), c.visible...)
	subs := make([]func([]T), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return visible, subs
}

func notify[T Item](subs []func([]T), visible []T) {
	for _, fn := range subs {
		fn(visible)
	}
}
