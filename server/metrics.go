package server

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "runicvtt/server"

// Metrics 记录会话运行期的关键指标（HTTP 快照 + OTel 全局 meter）
type Metrics struct {
	TickCount        int64 // 统计的 Tick 次数
	CommandsApplied  int64 // 生效的命令数
	CommandsRejected int64 // 被拒绝的命令数
	CommandsDropped  int64 // 因命令队列满被拒收的命令数
	PatchesSent      int64 // 入队的补丁数
	PatchesDropped   int64 // 因发送队列满丢弃的补丁数（随后全量重同步）
	ChatRelayed      int64 // 转发的聊天消息数
	TotalTickNs      int64 // Tick 累计耗时（纳秒）

	commands metric.Int64Counter
	patches  metric.Int64Counter
	chat     metric.Int64Counter
	tickDur  metric.Float64Histogram
}

// NewMetrics 从全局 meter 创建指标；未配置 SDK 时为 no-op
func NewMetrics() (*Metrics, error) {
	m := &Metrics{}
	meter := otel.Meter(instrumentationName)

	var err error
	m.commands, err = meter.Int64Counter(
		"table.commands",
		metric.WithDescription("Commands received, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands counter: %w", err)
	}
	m.patches, err = meter.Int64Counter(
		"table.patches",
		metric.WithDescription("Patches queued to participants, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating patches counter: %w", err)
	}
	m.chat, err = meter.Int64Counter(
		"table.chat.relayed",
		metric.WithDescription("Chat messages relayed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating chat counter: %w", err)
	}
	m.tickDur, err = meter.Float64Histogram(
		"table.tick.duration",
		metric.WithDescription("Tick loop duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tick histogram: %w", err)
	}
	return m, nil
}

var (
	outcomeApplied  = metric.WithAttributes(attribute.String("outcome", "applied"))
	outcomeRejected = metric.WithAttributes(attribute.String("outcome", "rejected"))
	outcomeDropped  = metric.WithAttributes(attribute.String("outcome", "dropped"))
	outcomeSent     = metric.WithAttributes(attribute.String("outcome", "sent"))
)

func (m *Metrics) IncApplied() {
	atomic.AddInt64(&m.CommandsApplied, 1)
	m.commands.Add(context.Background(), 1, outcomeApplied)
}

func (m *Metrics) IncRejected() {
	atomic.AddInt64(&m.CommandsRejected, 1)
	m.commands.Add(context.Background(), 1, outcomeRejected)
}

func (m *Metrics) IncCommandDropped() {
	atomic.AddInt64(&m.CommandsDropped, 1)
	m.commands.Add(context.Background(), 1, outcomeDropped)
}

func (m *Metrics) IncPatchSent() {
	atomic.AddInt64(&m.PatchesSent, 1)
	m.patches.Add(context.Background(), 1, outcomeSent)
}

func (m *Metrics) IncPatchDropped() {
	atomic.AddInt64(&m.PatchesDropped, 1)
	m.patches.Add(context.Background(), 1, outcomeDropped)
}

func (m *Metrics) IncChat() {
	atomic.AddInt64(&m.ChatRelayed, 1)
	m.chat.Add(context.Background(), 1)
}

func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
	m.tickDur.Record(context.Background(), float64(ns)/1e6)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":        tick,
		"commands_applied":  atomic.LoadInt64(&m.CommandsApplied),
		"commands_rejected": atomic.LoadInt64(&m.CommandsRejected),
		"commands_dropped":  atomic.LoadInt64(&m.CommandsDropped),
		"patches_sent":      atomic.LoadInt64(&m.PatchesSent),
		"patches_dropped":   atomic.LoadInt64(&m.PatchesDropped),
		"chat_relayed":      atomic.LoadInt64(&m.ChatRelayed),
		"avg_tick_ms":       avgMs,
	}
}
