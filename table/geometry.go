package table

import (
	"fmt"
	"math"
	"sort"
)

// Vec2 世界坐标
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec2) Add(o Vec2) Vec2             { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2             { return Vec2{X: v.X - o.X, Y: v.Y - o.Y} }
func (v Vec2) Scale(k float64) Vec2        { return Vec2{X: v.X * k, Y: v.Y * k} }
func (v Vec2) Lerp(o Vec2, t float64) Vec2 { return v.Add(o.Sub(v).Scale(t)) }

// Size 实体尺寸
type Size struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Cell 网格单元（列、行）
type Cell struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Extents 棋盘的网格尺寸（单元数）
type Extents struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Contains 判断单元是否在范围内
func (e Extents) Contains(c Cell) bool {
	return c.Col >= 0 && c.Row >= 0 && c.Col < e.Cols && c.Row < e.Rows
}

// Clamp 将单元裁剪到最近的有效单元，返回是否发生裁剪
func (e Extents) Clamp(c Cell) (Cell, bool) {
	out := Cell{Col: clampInt(c.Col, 0, e.Cols-1), Row: clampInt(c.Row, 0, e.Rows-1)}
	return out, out != c
}

// Grid 坐标到单元的映射
type Grid struct {
	CellSize float64 `json:"cellSize"`
	Origin   Vec2    `json:"origin"`
	Snap     bool    `json:"snap"`
}

// DefaultCellSize 网格单元默认边长
const DefaultCellSize = 50

// Valid 单元边长必须为正
func (g Grid) Valid() bool {
	return g.CellSize > 0 && !math.IsInf(g.CellSize, 0) && !math.IsNaN(g.CellSize)
}

// CellOf 返回坐标所在单元（未裁剪）
func (g Grid) CellOf(p Vec2) Cell {
	rel := p.Sub(g.Origin)
	return Cell{
		Col: int(math.Floor(rel.X / g.CellSize)),
		Row: int(math.Floor(rel.Y / g.CellSize)),
	}
}

// SnapToGrid 吸附到最近的网格交点
func (g Grid) SnapToGrid(p Vec2) Vec2 {
	rel := p.Sub(g.Origin)
	snapped := Vec2{
		X: math.Round(rel.X/g.CellSize) * g.CellSize,
		Y: math.Round(rel.Y/g.CellSize) * g.CellSize,
	}
	return snapped.Add(g.Origin)
}

// MaxCells 单张棋盘的网格单元数上限（如 512x512）
const MaxCells = 1 << 18

// CheckExtents 校验网格与棋盘尺寸，返回对应范围；单元数超过 MaxCells 时拒绝
// 在浮点数上计算，避免超大尺寸转换为 int 时溢出
func (g Grid) CheckExtents(width, height float64) (Extents, error) {
	if !g.Valid() {
		return Extents{}, fmt.Errorf("cell size %v: %w", g.CellSize, ErrInvalidCommand)
	}
	if !finitePositive(width) || !finitePositive(height) {
		return Extents{}, fmt.Errorf("board size %vx%v: %w", width, height, ErrInvalidCommand)
	}
	cols := math.Max(1, math.Ceil(width/g.CellSize))
	rows := math.Max(1, math.Ceil(height/g.CellSize))
	if cols*rows > MaxCells {
		return Extents{}, fmt.Errorf("%vx%v cells exceeds %d: %w", cols, rows, MaxCells, ErrInvalidCommand)
	}
	return Extents{Cols: int(cols), Rows: int(rows)}, nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// ExtentsFor 计算棋盘尺寸对应的网格范围，至少 1x1；调用方先用 CheckExtents 校验
func (g Grid) ExtentsFor(width, height float64) Extents {
	return Extents{
		Cols: max(1, int(math.Ceil(width/g.CellSize))),
		Rows: max(1, int(math.Ceil(height/g.CellSize))),
	}
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
