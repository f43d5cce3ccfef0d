package chat

import (
	"context"
	"errors"
	"sync/atomic"
)

const DefaultInflight = 100

var ErrBusy = errors.New("SERVER_BUSY")

// Inflight 限制同时在途的外部调用：消息落库、积分事件发往 kafka。
// 名额用带缓冲的 channel 表示；排不上队时由 ctx 决定等多久。
type Inflight struct {
	slots    chan struct{}
	rejected atomic.Uint64
}

func NewInflight(limit int) *Inflight {
	if limit <= 0 {
		limit = DefaultInflight
	}
	return &Inflight{slots: make(chan struct{}, limit)}
}

// Do 占一个名额执行 fn，fn 返回后立即归还；ctx 先结束则不执行 fn，返回 ErrBusy
func (l *Inflight) Do(ctx context.Context, fn func() error) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		l.rejected.Add(1)
		return ErrBusy
	}
	defer func() { <-l.slots }()
	return fn()
}

// InUse 当前占用的名额
func (l *Inflight) InUse() int { return len(l.slots) }

// Rejected 因排队超时被拒绝的次数
func (l *Inflight) Rejected() uint64 { return l.rejected.Load() }
