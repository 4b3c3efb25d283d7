package table

import (
	"fmt"
	"time"
)

// Board 一张可游玩的地图：网格、迷雾与其上的实体
type Board struct {
	ID         ID
	Name       string
	Grid       Grid
	Width      float64
	Height     float64
	Background string
	Fog        *FogMask

	entities map[ID]*Entity
}

func newBoard(id ID, name string, g Grid, width, height float64) *Board {
	return &Board{
		ID:       id,
		Name:     name,
		Grid:     g,
		Width:    width,
		Height:   height,
		Fog:      NewFogMask(g.ExtentsFor(width, height)),
		entities: make(map[ID]*Entity),
	}
}

// Extents 当前网格范围，始终与迷雾掩码一致
func (b *Board) Extents() Extents { return b.Fog.Extents() }

// Entity 按标识查找本棋盘上的实体
func (b *Board) Entity(id ID) (*Entity, bool) {
	e, ok := b.entities[id]
	return e, ok
}

// EntityIDs 按标识升序返回
func (b *Board) EntityIDs() []ID {
	ids := make([]ID, 0, len(b.entities))
	for id := range b.entities {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// CellOf 返回坐标所在单元，越界时裁剪到最近单元
func (b *Board) CellOf(p Vec2) (Cell, bool) {
	return b.Extents().Clamp(b.Grid.CellOf(p))
}

// place 应用吸附规则
func (b *Board) place(p Vec2) Vec2 {
	if b.Grid.Snap {
		return b.Grid.SnapToGrid(p)
	}
	return p
}

// AddEntity 放置实体；跨棋盘的重复检查由 Table 负责
func (b *Board) AddEntity(e *Entity, pos Vec2) error {
	if _, ok := b.entities[e.ID]; ok {
		return fmt.Errorf("entity %d on board %d: %w", e.ID, b.ID, ErrDuplicateIdentifier)
	}
	e.Position = b.place(pos)
	e.Moving = nil
	b.entities[e.ID] = e
	return nil
}

// RemoveEntity 移除实体
func (b *Board) RemoveEntity(id ID) error {
	if _, ok := b.entities[id]; !ok {
		return fmt.Errorf("entity %d on board %d: %w", id, b.ID, ErrUnknownEntity)
	}
	delete(b.entities, id)
	return nil
}

// MoveEntity 移动实体；animated 时只写入 Moving，目标位置在动画结束时提交
func (b *Board) MoveEntity(id ID, pos Vec2, animated bool, now time.Time, d time.Duration) error {
	e, ok := b.entities[id]
	if !ok {
		return fmt.Errorf("entity %d on board %d: %w", id, b.ID, ErrUnknownEntity)
	}
	pos = b.place(pos)
	if !animated || d <= 0 {
		e.Position = pos
		e.Moving = nil
		return nil
	}
	e.startMotion(pos, now, d)
	return nil
}

// SetBackground 设置背景贴图引用
func (b *Board) SetBackground(ref string) { b.Background = ref }

// ResizeGrid 替换网格并重新分配迷雾；被拒绝时棋盘不变
func (b *Board) ResizeGrid(g Grid) error {
	ext, err := g.CheckExtents(b.Width, b.Height)
	if err != nil {
		return fmt.Errorf("board %d: %w", b.ID, err)
	}
	b.Grid = g
	b.Fog.Resize(ext)
	return nil
}

// Resize 调整棋盘尺寸，迷雾规则同 ResizeGrid
func (b *Board) Resize(width, height float64) error {
	ext, err := b.Grid.CheckExtents(width, height)
	if err != nil {
		return fmt.Errorf("board %d: %w", b.ID, err)
	}
	b.Width, b.Height = width, height
	b.Fog.Resize(ext)
	return nil
}

// advance 提交已完成的动画，返回提交数量
func (b *Board) advance(now time.Time) int {
	n := 0
	for _, e := range b.entities {
		if e.settle(now) {
			n++
		}
	}
	return n
}
