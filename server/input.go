package server

import (
	"encoding/json"
	"errors"

	"runicvtt/broadcast"
	"runicvtt/table"
)

// KindChat 聊天消息只转发，不进入桌面状态
const KindChat = "chat"

// Inbound 客户端消息：命令或聊天
// 示例：{"kind":"move_entity","payload":{"entity":3,"position":{"x":10,"y":20}},"seq":7}
type Inbound struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"` // 客户端本地序列号，用于确认与拒绝回执
}

// inbound 已绑定发送者的入站消息
type inbound struct {
	from table.ParticipantID
	conn *ClientConn
	msg  Inbound
}

// 出站消息类型
const (
	TypePatch    = "patch"
	TypeAck      = "ack"
	TypeRejected = "rejected"
	TypeChat     = "chat"
)

// PatchMessage 补丁外包一层类型字段
type PatchMessage struct {
	Type string `json:"type"`
	*broadcast.Patch
}

// AckMessage 命令生效回执
type AckMessage struct {
	Type    string   `json:"type"`
	Seq     int64    `json:"seq"`
	Version uint64   `json:"version"`
	Created table.ID `json:"created,omitempty"`
	Warning string   `json:"warning,omitempty"` // 可恢复的状态迁移，如删除了激活棋盘
}

// RejectedMessage 命令被拒绝，桌面未改变
type RejectedMessage struct {
	Type  string `json:"type"`
	Seq   int64  `json:"seq"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

// ChatPayload 入站聊天内容
type ChatPayload struct {
	Text string `json:"text"`
}

// ChatMessage 转发给所有连接的聊天
type ChatMessage struct {
	Type string              `json:"type"`
	From table.ParticipantID `json:"from"`
	Role table.Role          `json:"role"`
	Text string              `json:"text"`
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, v)
}
