package table

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Table 一次托管会话唯一的权威桌面状态
// 所有修改都持写锁串行执行；快照持读锁，只会读到已提交的状态
type Table struct {
	mu sync.RWMutex

	Name string

	ids          *Registry
	boards       map[ID]*Board
	active       ID
	participants map[ParticipantID]Role
	store        *markerNoteStore
	version      uint64

	defaults BoardDefaults
	clock    func() time.Time
	log      *zap.SugaredLogger
}

// BoardDefaults 新建棋盘时的默认尺寸
type BoardDefaults struct {
	Width    float64
	Height   float64
	CellSize float64
}

// Option 构造选项
type Option func(*Table)

// WithClock 替换时钟（测试用）
func WithClock(clock func() time.Time) Option {
	return func(t *Table) { t.clock = clock }
}

// WithBoardDefaults 设置新棋盘默认尺寸
func WithBoardDefaults(d BoardDefaults) Option {
	return func(t *Table) {
		if d.Width > 0 && d.Height > 0 && d.CellSize > 0 {
			t.defaults = d
		}
	}
}

// New 创建桌面
func New(name string, log *zap.SugaredLogger, opts ...Option) *Table {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t := &Table{
		Name:         name,
		ids:          NewRegistry(),
		boards:       make(map[ID]*Board),
		participants: make(map[ParticipantID]Role),
		store:        newMarkerNoteStore(),
		defaults:     BoardDefaults{Width: 1000, Height: 1000, CellSize: DefaultCellSize},
		clock:        time.Now,
		log:          log,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Version 已提交修改的计数
func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func (t *Table) commit() uint64 {
	t.version++
	return t.version
}

// BoardSpec 新建棋盘参数，零值字段使用默认值
type BoardSpec struct {
	Name       string  `json:"name"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	CellSize   float64 `json:"cellSize"`
	Origin     Vec2    `json:"origin"`
	Snap       bool    `json:"snap"`
	Background string  `json:"background,omitempty"`
}

// CreateBoard 新建棋盘并返回其标识
func (t *Table) CreateBoard(spec BoardSpec) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createBoard(spec)
}

func (t *Table) createBoard(spec BoardSpec) (ID, error) {
	if spec.Width <= 0 {
		spec.Width = t.defaults.Width
	}
	if spec.Height <= 0 {
		spec.Height = t.defaults.Height
	}
	if spec.CellSize == 0 {
		spec.CellSize = t.defaults.CellSize
	}
	g := Grid{CellSize: spec.CellSize, Origin: spec.Origin, Snap: spec.Snap}
	if _, err := g.CheckExtents(spec.Width, spec.Height); err != nil {
		return 0, err
	}
	id, err := t.ids.Next()
	if err != nil {
		return 0, err
	}
	b := newBoard(id, spec.Name, g, spec.Width, spec.Height)
	b.Background = spec.Background
	t.boards[id] = b
	t.commit()
	t.log.Infow("board created", "board", id, "name", spec.Name, "extents", b.Extents())
	return id, nil
}

// DeleteBoard 删除棋盘并级联删除其实体、标记与附着笔记
// 删除的是当前激活棋盘时返回 ErrActiveBoardDeleted，此时删除已生效且 activeBoard 为空
func (t *Table) DeleteBoard(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteBoard(id)
}

func (t *Table) deleteBoard(id ID) error {
	b, ok := t.boards[id]
	if !ok {
		return fmt.Errorf("board %d: %w", id, ErrUnknownBoard)
	}
	for eid := range b.entities {
		t.dropEntity(b, eid)
	}
	for _, mid := range t.store.removeForBoard(id) {
		t.ids.Release(mid)
	}
	delete(t.boards, id)
	t.ids.Release(id)
	t.commit()

	if t.active == id {
		t.active = 0
		t.log.Warnw("active board deleted", "board", id, "error", ErrActiveBoardDeleted)
		return fmt.Errorf("board %d: %w", id, ErrActiveBoardDeleted)
	}
	t.log.Infow("board deleted", "board", id)
	return nil
}

// SetActiveBoard 切换激活棋盘
func (t *Table) SetActiveBoard(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setActiveBoard(id)
}

func (t *Table) setActiveBoard(id ID) error {
	if _, ok := t.boards[id]; !ok {
		return fmt.Errorf("board %d: %w", id, ErrUnknownBoard)
	}
	if t.active != id {
		t.active = id
		t.commit()
	}
	return nil
}

// ActiveBoard 当前激活棋盘，0 表示无
func (t *Table) ActiveBoard() ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// AddParticipant 加入或更新参与者角色
func (t *Table) AddParticipant(id ParticipantID, role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.participants[id]; ok && cur == role {
		return
	}
	t.participants[id] = role
	t.commit()
	t.log.Infow("participant joined", "participant", id, "role", role)
}

// RemoveParticipant 移出参与者；其令牌保留在桌面上
func (t *Table) RemoveParticipant(id ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.participants[id]; !ok {
		return
	}
	delete(t.participants, id)
	t.commit()
	t.log.Infow("participant left", "participant", id)
}

// Participant 查询参与者角色
func (t *Table) Participant(id ParticipantID) (Role, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.participants[id]
	return r, ok
}

// BoardOf 查询实体所在棋盘（桌面级查询，实体不保存反向引用）
func (t *Table) BoardOf(entity ID) (ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, _, ok := t.findEntity(entity)
	if !ok {
		return 0, false
	}
	return b.ID, true
}

// Entity 返回实体副本
func (t *Table) Entity(id ID) (Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, e, ok := t.findEntity(id)
	if !ok {
		return Entity{}, false
	}
	return *e.clone(), true
}

func (t *Table) findEntity(id ID) (*Board, *Entity, bool) {
	for _, b := range t.boards {
		if e, ok := b.entities[id]; ok {
			return b, e, true
		}
	}
	return nil, nil, false
}

func (t *Table) board(id ID) (*Board, error) {
	b, ok := t.boards[id]
	if !ok {
		return nil, fmt.Errorf("board %d: %w", id, ErrUnknownBoard)
	}
	return b, nil
}

// dropEntity 删除实体并级联删除附着的标记和笔记
func (t *Table) dropEntity(b *Board, id ID) {
	delete(b.entities, id)
	for _, rid := range t.store.removeForEntity(id) {
		t.ids.Release(rid)
	}
	t.ids.Release(id)
}

// Advance 提交已完成的动画移动
func (t *Table) Advance(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.boards {
		n += b.advance(now)
	}
	if n > 0 {
		t.commit()
	}
	return n
}

// Markers 返回全部标记副本，按标识排序
func (t *Table) Markers() []Marker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.markersLocked(func(*Marker) bool { return true })
}

func (t *Table) markersLocked(keep func(*Marker) bool) []Marker {
	out := make([]Marker, 0, len(t.store.markers))
	for _, m := range t.store.markers {
		if keep(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Notes 返回全部笔记副本，按标识排序
func (t *Table) Notes() []Note {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.notesLocked()
}

func (t *Table) notesLocked() []Note {
	out := make([]Note, 0, len(t.store.notes))
	for _, n := range t.store.notes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsRecoverable 判断 Apply 返回的错误是否是已生效的状态迁移
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrActiveBoardDeleted)
}
