package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"runicvtt/table"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	readLimit  = 1 << 20 // 1MB
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClientConn(ws *websocket.Conn, queue int) *ClientConn {
	return &ClientConn{
		ws:   ws,
		send: make(chan []byte, queue),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满或已关闭返回 false）
func (c *ClientConn) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// EnqueueJSON 编码后入队
func (c *ClientConn) EnqueueJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.Enqueue(b)
}

// Close 关闭发送队列，写协程发完剩余消息后关闭连接
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取客户端消息，转交 Tick 线程处理
func (c *ClientConn) readPump(s *Session, id table.ParticipantID) {
	defer c.ws.Close()
	// 读泵退出时，通知会话在 Tick 线程中移除该参与者
	defer s.requestLeave(leave{id: id, conn: c})
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("websocket read failed", "participant", id, "error", err)
			}
			return
		}
		var msg Inbound
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Kind == "" {
			s.metrics.IncRejected()
			c.EnqueueJSON(RejectedMessage{Type: TypeRejected, Seq: msg.Seq, Error: "malformed message"})
			continue
		}
		s.submit(inbound{from: id, conn: c, msg: msg})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 远程玩家经隧道接入，来源域名不固定
		return true
	},
}

// HandleWS WebSocket 接入：/ws?participant=alice&role=player
// 角色视为已由外部解析；缺省参与者标识时分配一个随机标识
func (s *Session) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role, err := table.ParseRole(q.Get("role"))
	if err != nil {
		http.Error(w, "invalid role query", http.StatusBadRequest)
		return
	}
	id := table.ParticipantID(q.Get("participant"))
	if id == "" {
		id = table.ParticipantID(uuid.NewString())
	}
	if !s.Running() {
		http.Error(w, "session not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("upgrade error", "error", err)
		return
	}

	client := NewClientConn(ws, s.opts.SendQueue)
	if !s.requestJoin(join{p: &Participant{ID: id, Role: role, Conn: client}}) {
		client.Close()
		_ = ws.Close()
		return
	}

	go client.writePump()
	go client.readPump(s, id)
}
