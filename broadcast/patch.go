package broadcast

import (
	"time"

	"runicvtt/table"
)

// ItemKind 补丁条目的类型
type ItemKind string

const (
	KindEntity ItemKind = "entity"
	KindMarker ItemKind = "marker" // 钉在棋盘位置上的标记
	KindNote   ItemKind = "note"   // 桌面级笔记
)

// EntityView 实体及其附着的标记、笔记（按观察者过滤后）
type EntityView struct {
	table.Entity
	Markers []table.Marker `json:"markers,omitempty"`
	Notes   []table.Note   `json:"notes,omitempty"`
}

// Item 观察者可见的一个条目；标识在整张桌面范围内唯一
type Item struct {
	Kind   ItemKind      `json:"kind"`
	ID     table.ID      `json:"id"`
	Entity *EntityView   `json:"entity,omitempty"`
	Marker *table.Marker `json:"marker,omitempty"`
	Note   *table.Note   `json:"note,omitempty"`
}

// BoardInfo 激活棋盘的元数据与迷雾；ID 为 0 表示没有激活棋盘
type BoardInfo struct {
	ID         table.ID   `json:"id"`
	Name       string     `json:"name,omitempty"`
	Grid       table.Grid `json:"grid"`
	Width      float64    `json:"width"`
	Height     float64    `json:"height"`
	Background string     `json:"background,omitempty"`
	Fog        []string   `json:"fog,omitempty"`
}

// Patch 发给单个参与者的有序增量
type Patch struct {
	Participant table.ParticipantID `json:"participantId"`
	Seq         uint64              `json:"seq"`
	Version     uint64              `json:"version"`
	Time        time.Time           `json:"time"`
	FullSync    bool                `json:"fullSync"`
	Board       *BoardInfo          `json:"board,omitempty"` // 仅在变化时携带
	Added       []Item              `json:"added"`
	Updated     []Item              `json:"updated"`
	Removed     []table.ID          `json:"removed"`
}

// Empty 是否没有任何变化
func (p *Patch) Empty() bool {
	return p.Board == nil && len(p.Added) == 0 && len(p.Updated) == 0 && len(p.Removed) == 0
}
