// ============================================================================
// jobfarm 日誌匯流排
// ============================================================================
//
// Package: internal/logbus
// 文件: bus.go
// 功能: 固定容量的環形緩衝區，任何元件都能無阻塞寫入，至多一個訂閱者讀取
//
// 語意:
//   - Publish 永不阻塞；滿了就覆寫最舊的事件
//   - Subscribe 同一時間只允許一個訂閱者（ErrBusy）
//   - Next 有上限的等待，逾時回傳 false
//   - 事件被讀取後即從緩衝區移除
//
// ============================================================================

package logbus

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy 已經有訂閱者
var ErrBusy = errors.New("log bus already has a subscriber")

// DefaultCapacity 預設緩衝容量
const DefaultCapacity = 1024

// Event 一則日誌事件
type Event struct {
	Time     time.Time
	Category string
	Text     string
}

// Bus 環形緩衝日誌匯流排
type Bus struct {
	mu      sync.Mutex
	buf     []Event
	head    int // 最舊事件的位置
	size    int
	dropped uint64
	signal  chan struct{}
	sub     *Subscription
}

// New 建立容量為 capacity 的匯流排
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		buf:    make([]Event, capacity),
		signal: make(chan struct{}, 1),
	}
}

// Publish 寫入事件；緩衝區滿時覆寫最舊事件
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	if b.size == len(b.buf) {
		b.buf[b.head] = ev
		b.head = (b.head + 1) % len(b.buf)
		b.dropped++
	} else {
		b.buf[(b.head+b.size)%len(b.buf)] = ev
		b.size++
	}
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Log 以目前時間寫入一則事件
func (b *Bus) Log(category, text string) {
	b.Publish(Event{Category: category, Text: text})
}

// Len 緩衝區中的事件數
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped 因覆寫而遺失的事件總數
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribe 成為唯一訂閱者
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		return nil, ErrBusy
	}
	b.sub = &Subscription{bus: b}
	return b.sub, nil
}

func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return Event{}, false
	}
	ev := b.buf[b.head]
	b.buf[b.head] = Event{}
	b.head = (b.head + 1) % len(b.buf)
	b.size--
	return ev, true
}

// Subscription 訂閱者句柄
type Subscription struct {
	bus  *Bus
	once sync.Once
}

// Next 取出最舊的事件，最多等待 timeout
func (s *Subscription) Next(timeout time.Duration) (Event, bool) {
	if ev, ok := s.bus.pop(); ok {
		return ev, true
	}
	if timeout <= 0 {
		return Event{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.bus.signal:
			if ev, ok := s.bus.pop(); ok {
				return ev, true
			}
		case <-timer.C:
			return s.bus.pop()
		}
	}
}

// Drain 取出目前所有事件，不等待
func (s *Subscription) Drain() []Event {
	var out []Event
	for {
		ev, ok := s.bus.pop()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

// Close 釋放訂閱，其他人可以重新訂閱
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if s.bus.sub == s {
			s.bus.sub = nil
		}
		s.bus.mu.Unlock()
	})
}
