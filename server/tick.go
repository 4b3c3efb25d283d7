package server

import (
	"context"
	"sync/atomic"
	"time"
)

// Start 启动会话的 Tick 循环（单线程推进桌面与广播）
// ctx 结束或调用 Stop 时退出
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.running.Store(true)
		go s.loop(ctx)
	})
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	defer s.shutdown()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	s.log.Infow("tick loop started", "interval", s.opts.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.step(now)
		}
	}
}

// step 核心循环：处理入站 → 提交动画 → 广播增量
func (s *Session) step(now time.Time) {
	start := time.Now()
	s.processInbound()
	s.table.Advance(now)
	s.broadcast(s.bc.Tick(now))
	atomic.AddUint64(&s.tickSeq, 1)
	s.metrics.AddTick(time.Since(start).Nanoseconds())
}

// TickSeq 已执行的 Tick 次数
func (s *Session) TickSeq() uint64 { return atomic.LoadUint64(&s.tickSeq) }

// shutdown 在 Tick 线程中关闭所有连接
func (s *Session) shutdown() {
	s.running.Store(false)
	for id, p := range s.conns {
		p.Conn.Close()
		s.table.RemoveParticipant(id)
		delete(s.conns, id)
	}
	// 尚未生效的接入请求也要关闭连接
	s.closeJoins()
	s.log.Infow("tick loop stopped", "ticks", s.TickSeq())
}
