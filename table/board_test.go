package table

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrid_CellOf(t *testing.T) {
	g := Grid{CellSize: 10, Origin: Vec2{X: 5, Y: 5}}
	tests := []struct {
		pos  Vec2
		want Cell
	}{
		{Vec2{X: 5, Y: 5}, Cell{Col: 0, Row: 0}},
		{Vec2{X: 14.9, Y: 15}, Cell{Col: 0, Row: 1}},
		{Vec2{X: 4, Y: 5}, Cell{Col: -1, Row: 0}},
		{Vec2{X: 105, Y: 55}, Cell{Col: 10, Row: 5}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.CellOf(tt.pos), "pos %+v", tt.pos)
	}
}

func TestGrid_ExtentsFor(t *testing.T) {
	g := Grid{CellSize: 30}
	assert.Equal(t, Extents{Cols: 4, Rows: 1}, g.ExtentsFor(100, 1))
	assert.Equal(t, Extents{Cols: 1, Rows: 1}, g.ExtentsFor(0, 0))
}

func TestGrid_CheckExtents(t *testing.T) {
	tests := []struct {
		name   string
		grid   Grid
		w, h   float64
		want   Extents
		reject bool
	}{
		{name: "default", grid: Grid{CellSize: 50}, w: 1000, h: 1000, want: Extents{Cols: 20, Rows: 20}},
		{name: "at limit", grid: Grid{CellSize: 1}, w: 512, h: 512, want: Extents{Cols: 512, Rows: 512}},
		{name: "over limit", grid: Grid{CellSize: 1}, w: 513, h: 512, reject: true},
		{name: "huge board", grid: Grid{CellSize: 50}, w: 1e12, h: 1e12, reject: true},
		{name: "tiny cells", grid: Grid{CellSize: 0.001}, w: 500, h: 500, reject: true},
		{name: "overflowing axis", grid: Grid{CellSize: 1e-300}, w: 1e300, h: 1, reject: true},
		{name: "infinite", grid: Grid{CellSize: 50}, w: math.Inf(1), h: 10, reject: true},
		{name: "nan", grid: Grid{CellSize: 50}, w: math.NaN(), h: 10, reject: true},
		{name: "zero cell", grid: Grid{}, w: 10, h: 10, reject: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.grid.CheckExtents(tt.w, tt.h)
			if tt.reject {
				assert.ErrorIs(t, err, ErrInvalidCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBoard_OversizeResizeLeavesBoardUnchanged(t *testing.T) {
	b := newBoard(1, "b", Grid{CellSize: 50}, 500, 500)
	b.Fog.Reveal(Region{To: Cell{Col: 2, Row: 2}})
	rows := b.Fog.Rows()

	assert.ErrorIs(t, b.Resize(1e12, 1e12), ErrInvalidCommand)
	assert.ErrorIs(t, b.Resize(math.Inf(1), 500), ErrInvalidCommand)
	assert.ErrorIs(t, b.ResizeGrid(Grid{CellSize: 0.001}), ErrInvalidCommand)

	assert.Equal(t, 500.0, b.Width)
	assert.Equal(t, 500.0, b.Height)
	assert.Equal(t, Grid{CellSize: 50}, b.Grid)
	assert.Equal(t, Extents{Cols: 10, Rows: 10}, b.Extents())
	assert.Equal(t, rows, b.Fog.Rows())
}

func TestBoard_CellOfClamps(t *testing.T) {
	b := newBoard(1, "b", Grid{CellSize: 10}, 30, 30)
	c, clamped := b.CellOf(Vec2{X: -50, Y: 500})
	assert.True(t, clamped)
	assert.Equal(t, Cell{Col: 0, Row: 2}, c)
}

func TestBoard_AddRemove(t *testing.T) {
	b := newBoard(1, "b", Grid{CellSize: 10}, 30, 30)
	require.NoError(t, b.AddEntity(&Entity{ID: 2}, Vec2{X: 3, Y: 4}))
	assert.ErrorIs(t, b.AddEntity(&Entity{ID: 2}, Vec2{}), ErrDuplicateIdentifier)
	assert.Equal(t, []ID{2}, b.EntityIDs())

	require.NoError(t, b.RemoveEntity(2))
	assert.ErrorIs(t, b.RemoveEntity(2), ErrUnknownEntity)
	assert.ErrorIs(t, b.MoveEntity(2, Vec2{}, false, time.Time{}, 0), ErrUnknownEntity)
}

func TestBoard_MoveReplacesMotion(t *testing.T) {
	now := time.Unix(100, 0)
	b := newBoard(1, "b", Grid{CellSize: 10}, 100, 100)
	require.NoError(t, b.AddEntity(&Entity{ID: 2}, Vec2{}))

	require.NoError(t, b.MoveEntity(2, Vec2{X: 50}, true, now, time.Second))
	require.NoError(t, b.MoveEntity(2, Vec2{Y: 50}, true, now.Add(100*time.Millisecond), time.Second))
	e, _ := b.Entity(2)
	require.NotNil(t, e.Moving)
	assert.Equal(t, Vec2{}, e.Moving.From)
	assert.Equal(t, Vec2{Y: 50}, e.Moving.To)

	// 非动画移动立即生效并清除动画
	require.NoError(t, b.MoveEntity(2, Vec2{X: 7}, false, now, 0))
	assert.Nil(t, e.Moving)
	assert.Equal(t, Vec2{X: 7}, e.Position)
}

func TestMotion_At(t *testing.T) {
	start := time.Unix(0, 0)
	m := Motion{From: Vec2{}, To: Vec2{X: 10}, Start: start, Duration: 10 * time.Second}
	assert.Equal(t, Vec2{}, m.At(start.Add(-time.Second)))
	assert.Equal(t, Vec2{X: 10}, m.At(start.Add(time.Minute)))
	assert.False(t, m.Done(start.Add(9*time.Second)))
	assert.True(t, m.Done(start.Add(10*time.Second)))
}
