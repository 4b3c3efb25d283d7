package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"runicvtt/broadcast"
	"runicvtt/table"
	"runicvtt/tunnel"
)

// TunnelStatus 隧道状态的只读视图
type TunnelStatus interface {
	State() tunnel.State
	URL() string
}

// Saver 桌面存档
type Saver interface {
	Save(ctx context.Context, name string, d table.Dump) error
}

// Options 会话参数，由进程配置显式传入
type Options struct {
	TickInterval time.Duration
	SendQueue    int
	CommandQueue int
	Tunnel       TunnelStatus
	Saver        Saver
}

// Session 托管会话：权威桌面 + 广播器 + 连接表，单线程 Tick 推进
type Session struct {
	table   *table.Table
	bc      *broadcast.Broadcaster
	log     *zap.SugaredLogger
	metrics *Metrics
	opts    Options

	// 只在 Tick 线程中访问
	conns map[table.ParticipantID]*Participant

	inbox     chan inbound
	joinChan  chan join
	leaveChan chan leave

	tickSeq uint64 // 只在 Tick 线程中写，HTTP 读取用原子操作

	// joinMu 读锁保护入队，写锁在关闭时置位 closing，此后不再接受接入
	joinMu  sync.RWMutex
	closing bool

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSession 创建会话，初始化数据结构；metrics 不可为 nil
func NewSession(tb *table.Table, opts Options, metrics *Metrics, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 50 * time.Millisecond
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.CommandQueue <= 0 {
		opts.CommandQueue = 256
	}
	return &Session{
		table:     tb,
		bc:        broadcast.New(tb, log.Named("broadcast")),
		log:       log,
		metrics:   metrics,
		opts:      opts,
		conns:     make(map[table.ParticipantID]*Participant),
		inbox:     make(chan inbound, opts.CommandQueue), // 足够缓冲，避免网络读阻塞影响 Tick
		joinChan:  make(chan join, 64),
		leaveChan: make(chan leave, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Session) Table() *table.Table { return s.table }
func (s *Session) Metrics() *Metrics   { return s.metrics }

// Running Tick 循环已启动且未停止
func (s *Session) Running() bool { return s.running.Load() }

// submit 入站命令（不立即生效），等下一次 Tick 处理
// 队列满时直接回执拒绝，保证 Tick 准时
func (s *Session) submit(in inbound) {
	select {
	case s.inbox <- in:
	default:
		s.metrics.IncCommandDropped()
		in.conn.EnqueueJSON(RejectedMessage{Type: TypeRejected, Seq: in.msg.Seq, Kind: in.msg.Kind, Error: "command queue full"})
	}
}

// requestJoin 请求在 Tick 线程中加入参与者；会话已停止时返回 false
func (s *Session) requestJoin(j join) bool {
	s.joinMu.RLock()
	defer s.joinMu.RUnlock()
	if s.closing {
		return false
	}
	s.joinChan <- j
	return true
}

// closeJoins 拒绝后续接入，并关闭所有未生效的接入连接
// 等待写锁期间持续排空队列，让阻塞在入队上的请求得以返回
func (s *Session) closeJoins() {
	locked := make(chan struct{})
	go func() {
		s.joinMu.Lock()
		s.closing = true
		s.joinMu.Unlock()
		close(locked)
	}()
	for {
		select {
		case j := <-s.joinChan:
			j.p.Conn.Close()
		case <-locked:
			for {
				select {
				case j := <-s.joinChan:
					j.p.Conn.Close()
				default:
					return
				}
			}
		}
	}
}

// requestLeave 请求在 Tick 线程中移除参与者，避免并发改动连接表
func (s *Session) requestLeave(l leave) {
	select {
	case s.leaveChan <- l:
	case <-s.done:
	}
}

// processInbound 处理当前帧的所有入站消息（非阻塞 drain）
// 顺序：加入 → 离开 → 命令，保证同一帧内先加入的参与者的命令能生效
func (s *Session) processInbound() {
	for {
		select {
		case j := <-s.joinChan:
			s.onJoin(j.p)
			continue
		default:
		}
		select {
		case l := <-s.leaveChan:
			s.onLeave(l)
			continue
		default:
		}
		select {
		case in := <-s.inbox:
			s.onCommand(in)
		default:
			return
		}
	}
}

func (s *Session) onJoin(p *Participant) {
	if old, ok := s.conns[p.ID]; ok {
		// 同一标识重连：旧连接作废
		old.Conn.Close()
	}
	s.conns[p.ID] = p
	s.table.AddParticipant(p.ID, p.Role)
	// 新连接必须先收到全量同步
	s.bc.Forget(p.ID)
	s.log.Infow("participant connected", "participant", p.ID, "role", p.Role)
}

func (s *Session) onLeave(l leave) {
	p, ok := s.conns[l.id]
	if !ok || p.Conn != l.conn {
		return
	}
	delete(s.conns, l.id)
	p.Conn.Close()
	s.table.RemoveParticipant(l.id)
	s.bc.Forget(l.id)
	s.log.Infow("participant disconnected", "participant", l.id)
}

func (s *Session) onCommand(in inbound) {
	p, ok := s.conns[in.from]
	if !ok || p.Conn != in.conn {
		// 连接已被替换或已离开，无处回执
		s.metrics.IncRejected()
		s.log.Debugw("command from stale connection dropped", "participant", in.from, "kind", in.msg.Kind)
		return
	}
	if in.msg.Kind == KindChat {
		s.relayChat(p, in.msg)
		return
	}

	res, err := s.table.Apply(table.Command{
		Participant: in.from,
		Kind:        table.CommandKind(in.msg.Kind),
		Payload:     in.msg.Payload,
	})
	switch {
	case err == nil:
		s.metrics.IncApplied()
		p.Conn.EnqueueJSON(AckMessage{Type: TypeAck, Seq: in.msg.Seq, Version: res.Version, Created: res.Created})
	case table.IsRecoverable(err):
		s.metrics.IncApplied()
		s.log.Warnw("command applied with recoverable transition", "participant", in.from, "kind", in.msg.Kind, "error", err)
		p.Conn.EnqueueJSON(AckMessage{Type: TypeAck, Seq: in.msg.Seq, Version: res.Version, Created: res.Created, Warning: err.Error()})
	default:
		s.metrics.IncRejected()
		p.Conn.EnqueueJSON(RejectedMessage{Type: TypeRejected, Seq: in.msg.Seq, Kind: in.msg.Kind, Error: err.Error()})
	}
}

// relayChat 聊天转发给所有连接
func (s *Session) relayChat(p *Participant, msg Inbound) {
	var body ChatPayload
	if err := decodePayload(msg.Payload, &body); err != nil || body.Text == "" {
		s.metrics.IncRejected()
		p.Conn.EnqueueJSON(RejectedMessage{Type: TypeRejected, Seq: msg.Seq, Kind: msg.Kind, Error: "empty chat message"})
		return
	}
	out := ChatMessage{Type: TypeChat, From: p.ID, Role: p.Role, Text: body.Text}
	for _, other := range s.conns {
		other.Conn.EnqueueJSON(out)
	}
	s.metrics.IncChat()
}

// broadcast 将补丁发给对应连接；发送队列满时丢弃并安排全量重同步
func (s *Session) broadcast(patches []broadcast.Patch) {
	for i := range patches {
		p := &patches[i]
		c, ok := s.conns[p.Participant]
		if !ok {
			continue
		}
		if c.Conn.EnqueueJSON(PatchMessage{Type: TypePatch, Patch: p}) {
			s.metrics.IncPatchSent()
			continue
		}
		s.metrics.IncPatchDropped()
		s.bc.Forget(p.Participant)
		s.log.Warnw("patch dropped, resyncing", "participant", p.Participant, "seq", p.Seq)
	}
}

// Save 保存桌面存档
func (s *Session) Save(ctx context.Context) error {
	if s.opts.Saver == nil {
		return errNoSaver
	}
	d := s.table.Dump()
	if err := s.opts.Saver.Save(ctx, d.Name, d); err != nil {
		return err
	}
	s.log.Infow("table saved", "table", d.Name, "boards", len(d.Boards))
	return nil
}

var errNoSaver = errors.New("storage disabled")

// Stop 停止 Tick 循环并关闭所有连接；未启动时直接结束
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.startOnce.Do(func() {
		s.closeJoins()
		close(s.done)
	})
	<-s.done
}
