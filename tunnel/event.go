package tunnel

import (
	"encoding/json"
	"io"
	"sync"
)

// 事件名：子进程标准输出上每行一个 JSON 对象
const (
	EventBoot   = "boot"
	EventReady  = "ready"
	EventError  = "error"
	EventClosed = "closed"
)

// MsgInvalidPort 端口缺失或非法时的固定错误信息
const MsgInvalidPort = "Missing or invalid --port (1..65535)"

// StopDirective 控制输入中请求优雅关闭的行
const StopDirective = "stop"

// Event 线协议事件
type Event struct {
	Event   string   `json:"event"`
	URL     string   `json:"url,omitempty"`
	Message string   `json:"message,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	Argv    []string `json:"argv,omitempty"`
	Go      string   `json:"go,omitempty"` // 运行时版本
}

func readyEvent(url string) Event { return Event{Event: EventReady, URL: url} }
func errorEvent(msg string) Event { return Event{Event: EventError, Message: msg} }
func closedEvent() Event          { return Event{Event: EventClosed} }

// eventWriter 串行写出事件行
type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventWriter(w io.Writer) *eventWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &eventWriter{enc: enc}
}

// emit 写出一行；写失败时静默丢弃（标准输出已不可用）
func (w *eventWriter) emit(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(ev)
}
