// Package clock 提供引擎调度心跳所用的单调时间源
package clock

import (
	"errors"
	"sync"
	"time"
)

var ErrUnavailable = errors.New("clock unavailable")

type Clock interface {
	TryNow() (time.Time, error)
}

// System reads time.Now, which carries a monotonic reading.
type System struct{}

func (System) TryNow() (time.Time, error) {
	return time.Now(), nil
}

// Manual 手动推进的时钟，用于测试
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	fail error
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) TryNow() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return time.Time{}, m.fail
	}
	return m.now, nil
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Fail makes subsequent TryNow calls return err; nil restores the clock.
func (m *Manual) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}
