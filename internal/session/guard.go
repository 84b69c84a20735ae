// Package session 实现受保护视图前置的会话守卫：
// 启动时探测一次会话状态，随后订阅会话变更通知，
// 在守卫存活期间维护 已认证/未认证 状态。
package session

import (
	"context"
	"fmt"
	"sync"
)

// State 表示守卫的会话状态机：
// Checking -> {Authenticated, Unauthenticated}；
// Authenticated -> Unauthenticated（登出或过期通知）；
// 除非重建守卫，不会回到 Checking。
type State int

const (
	Checking State = iota
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Checking:
		return "checking"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Probe 探测当前是否存在有效会话。
type Probe func(ctx context.Context) (bool, error)

// Event 表示一次会话变更通知。
type Event struct {
	Revoked bool
}

// Notifier 提供会话变更事件流；返回的注销函数停止推送并释放资源。
type Notifier interface {
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// Guard 是单写多读的会话状态持有者：状态只由守卫自身在
// 探测结果与通知回调中更新，任意协程可读。
type Guard struct {
	probe    Probe
	notifier Notifier

	mu      sync.RWMutex
	state   State
	subs    map[int]func(State)
	nextSub int

	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// NewGuard 构造处于 Checking 态的守卫。
func NewGuard(probe Probe, notifier Notifier) *Guard {
	return &Guard{
		probe:    probe,
		notifier: notifier,
		state:    Checking,
		subs:     map[int]func(State){},
	}
}

// State 返回当前会话状态。
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Subscribe 注册状态变更回调，返回注销函数；注销后回调不再触发。
func (g *Guard) Subscribe(fn func(State)) func() {
	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
	}
}

// Start 执行初始探测并开始消费会话变更通知，直到 Stop 或 ctx 结束。
// 探测失败视为未认证（由调用方决定是否重建守卫重试）。
func (g *Guard) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	ok, err := g.probe(ctx)
	if err != nil {
		g.setState(Unauthenticated)
		cancel()
		return fmt.Errorf("probe session: %w", err)
	}
	if ok {
		g.setState(Authenticated)
	} else {
		g.setState(Unauthenticated)
	}

	events, unsubscribe, err := g.notifier.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe session events: %w", err)
	}

	done := make(chan struct{})
	g.mu.Lock()
	g.cancel = cancel
	g.unsubscribe = unsubscribe
	g.done = done
	g.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Revoked {
					g.setState(Unauthenticated)
				} else {
					g.setState(Authenticated)
				}
			}
		}
	}()

	return nil
}

// Stop 注销通知订阅并结束事件循环；之后不会再有状态变更回调。
func (g *Guard) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	unsubscribe := g.unsubscribe
	done := g.done
	g.cancel = nil
	g.unsubscribe = nil
	g.done = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if done != nil {
		<-done
	}
}

func (g *Guard) setState(s State) {
	g.mu.Lock()
	if g.state == s {
		g.mu.Unlock()
		return
	}
	g.state = s
	subs := make([]func(State), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	g.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}
