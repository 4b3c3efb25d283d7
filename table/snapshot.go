package table

import (
	"fmt"
	"sort"
)

// Snapshot 已提交状态的只读副本，供广播与管理接口使用
type Snapshot struct {
	Version      uint64
	Participants map[ParticipantID]Role
	Boards       []BoardSummary
	Active       *BoardView // 无激活棋盘时为 nil
	Notes        []Note
}

// BoardSummary 棋盘概要
type BoardSummary struct {
	ID       ID      `json:"id"`
	Name     string  `json:"name"`
	Extents  Extents `json:"extents"`
	Entities int     `json:"entities"`
}

// BoardView 激活棋盘的完整副本
type BoardView struct {
	ID         ID
	Name       string
	Grid       Grid
	Width      float64
	Height     float64
	Background string
	Fog        *FogMask
	Entities   []Entity // 按标识排序
	Markers    []Marker // 本棋盘上的标记
}

// CellOf 与 Board.CellOf 相同的裁剪规则
func (v *BoardView) CellOf(p Vec2) Cell {
	c, _ := v.Fog.Extents().Clamp(v.Grid.CellOf(p))
	return c
}

// Snapshot 持读锁复制当前状态
func (t *Table) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := &Snapshot{
		Version:      t.version,
		Participants: make(map[ParticipantID]Role, len(t.participants)),
		Notes:        t.notesLocked(),
	}
	for id, r := range t.participants {
		s.Participants[id] = r
	}
	for _, b := range t.boards {
		s.Boards = append(s.Boards, BoardSummary{ID: b.ID, Name: b.Name, Extents: b.Extents(), Entities: len(b.entities)})
	}
	sort.Slice(s.Boards, func(i, j int) bool { return s.Boards[i].ID < s.Boards[j].ID })

	if b, ok := t.boards[t.active]; ok {
		v := &BoardView{
			ID:         b.ID,
			Name:       b.Name,
			Grid:       b.Grid,
			Width:      b.Width,
			Height:     b.Height,
			Background: b.Background,
			Fog:        b.Fog.Clone(),
			Entities:   make([]Entity, 0, len(b.entities)),
		}
		for _, id := range b.EntityIDs() {
			v.Entities = append(v.Entities, *b.entities[id].clone())
		}
		v.Markers = t.markersLocked(func(m *Marker) bool { return m.Board == b.ID })
		s.Active = v
	}
	return s
}

// Dump 完整存档格式
type Dump struct {
	Name     string        `json:"name"`
	Registry RegistryState `json:"registry"`
	Active   ID            `json:"active,omitempty"`
	Boards   []BoardDump   `json:"boards"`
	Markers  []Marker      `json:"markers,omitempty"`
	Notes    []Note        `json:"notes,omitempty"`
}

type BoardDump struct {
	ID         ID       `json:"id"`
	Name       string   `json:"name"`
	Grid       Grid     `json:"grid"`
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
	Background string   `json:"background,omitempty"`
	Fog        []string `json:"fog"`
	Entities   []Entity `json:"entities"`
}

// Dump 导出全部状态（参与者名单属于会话，不存档）
func (t *Table) Dump() Dump {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d := Dump{
		Name:     t.Name,
		Registry: t.ids.state(),
		Active:   t.active,
		Markers:  t.markersLocked(func(*Marker) bool { return true }),
		Notes:    t.notesLocked(),
	}
	ids := make([]ID, 0, len(t.boards))
	for id := range t.boards {
		ids = append(ids, id)
	}
	sortIDs(ids)
	for _, id := range ids {
		b := t.boards[id]
		bd := BoardDump{
			ID:         b.ID,
			Name:       b.Name,
			Grid:       b.Grid,
			Width:      b.Width,
			Height:     b.Height,
			Background: b.Background,
			Fog:        b.Fog.Rows(),
		}
		for _, eid := range b.EntityIDs() {
			bd.Entities = append(bd.Entities, *b.entities[eid].clone())
		}
		d.Boards = append(d.Boards, bd)
	}
	return d
}

// Restore 用存档替换全部棋盘、标记与笔记；失败时桌面不变
func (t *Table) Restore(d Dump) error {
	ids := NewRegistry()
	boards := make(map[ID]*Board, len(d.Boards))
	store := newMarkerNoteStore()
	entityBoard := make(map[ID]ID)

	for _, bd := range d.Boards {
		if _, err := bd.Grid.CheckExtents(bd.Width, bd.Height); err != nil {
			return fmt.Errorf("restore board %d: %w", bd.ID, err)
		}
		if err := ids.Claim(bd.ID); err != nil {
			return fmt.Errorf("restore board: %w", err)
		}
		b := newBoard(bd.ID, bd.Name, bd.Grid, bd.Width, bd.Height)
		b.Background = bd.Background
		b.Fog.loadRows(bd.Fog)
		for i := range bd.Entities {
			e := bd.Entities[i]
			if err := ids.Claim(e.ID); err != nil {
				return fmt.Errorf("restore entity: %w", err)
			}
			b.entities[e.ID] = e.clone()
			entityBoard[e.ID] = b.ID
		}
		boards[b.ID] = b
	}
	for i := range d.Markers {
		m := d.Markers[i]
		if _, ok := boards[m.Board]; !ok {
			return fmt.Errorf("restore marker %d: board %d: %w", m.ID, m.Board, ErrUnknownBoard)
		}
		if err := ids.Claim(m.ID); err != nil {
			return fmt.Errorf("restore marker: %w", err)
		}
		store.addMarker(&m)
	}
	for i := range d.Notes {
		n := d.Notes[i]
		if n.AttachedEntity != 0 {
			if _, ok := entityBoard[n.AttachedEntity]; !ok {
				return fmt.Errorf("restore note %d: entity %d: %w", n.ID, n.AttachedEntity, ErrUnknownEntity)
			}
		}
		if err := ids.Claim(n.ID); err != nil {
			return fmt.Errorf("restore note: %w", err)
		}
		store.addNote(&n)
	}
	if d.Active != 0 {
		if _, ok := boards[d.Active]; !ok {
			return fmt.Errorf("restore active board %d: %w", d.Active, ErrUnknownBoard)
		}
	}
	ids.restore(d.Registry)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = ids
	t.boards = boards
	t.store = store
	t.active = d.Active
	if d.Name != "" {
		t.Name = d.Name
	}
	t.commit()
	t.log.Infow("table restored", "boards", len(boards), "markers", len(store.markers), "notes", len(store.notes))
	return nil
}
