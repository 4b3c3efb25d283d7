package table

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandKind 命令类型
type CommandKind string

const (
	CmdCreateBoard    CommandKind = "create_board"
	CmdDeleteBoard    CommandKind = "delete_board"
	CmdSetActiveBoard CommandKind = "set_active_board"
	CmdResizeGrid     CommandKind = "resize_grid"
	CmdResizeBoard    CommandKind = "resize_board"
	CmdSetBackground  CommandKind = "set_background"
	CmdReveal         CommandKind = "reveal"
	CmdConceal        CommandKind = "conceal"
	CmdRevealAll      CommandKind = "reveal_all"
	CmdConcealAll     CommandKind = "conceal_all"
	CmdAddEntity      CommandKind = "add_entity"
	CmdRemoveEntity   CommandKind = "remove_entity"
	CmdMoveEntity     CommandKind = "move_entity"
	CmdSetVisibility  CommandKind = "set_visibility"
	CmdAddMarker      CommandKind = "add_marker"
	CmdUpdateMarker   CommandKind = "update_marker"
	CmdRemoveMarker   CommandKind = "remove_marker"
	CmdAddNote        CommandKind = "add_note"
	CmdUpdateNote     CommandKind = "update_note"
	CmdRemoveNote     CommandKind = "remove_note"
)

// Command 参与者发出的命令，Payload 按 Kind 解码
type Command struct {
	Participant ParticipantID   `json:"participantId"`
	Kind        CommandKind     `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewCommand 以结构体载荷构造命令
func NewCommand(p ParticipantID, kind CommandKind, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Participant: p, Kind: kind, Payload: raw}, nil
}

// Result 命令生效后的结果
type Result struct {
	Version uint64 `json:"version"`
	Created ID     `json:"created,omitempty"`
}

// 权限表：按命令类型显式授权，而不是按角色分派
type permission uint8

const (
	permGM permission = iota
	permAny
	permOwnerOrGM // 具体归属在处理函数中检查
)

var permissions = map[CommandKind]permission{
	CmdCreateBoard:    permGM,
	CmdDeleteBoard:    permGM,
	CmdSetActiveBoard: permGM,
	CmdResizeGrid:     permGM,
	CmdResizeBoard:    permGM,
	CmdSetBackground:  permGM,
	CmdReveal:         permGM,
	CmdConceal:        permGM,
	CmdRevealAll:      permGM,
	CmdConcealAll:     permGM,
	CmdAddEntity:      permGM,
	CmdRemoveEntity:   permGM,
	CmdSetVisibility:  permGM,
	CmdMoveEntity:     permOwnerOrGM,
	CmdAddMarker:      permAny,
	CmdUpdateMarker:   permOwnerOrGM,
	CmdRemoveMarker:   permOwnerOrGM,
	CmdAddNote:        permAny,
	CmdUpdateNote:     permOwnerOrGM,
	CmdRemoveNote:     permOwnerOrGM,
}

// Allowed 命令类型对该角色是否可能被允许（不含归属检查）
func Allowed(kind CommandKind, role Role) bool {
	p, ok := permissions[kind]
	if !ok {
		return false
	}
	return p != permGM || role == RoleGM
}

type actor struct {
	id   ParticipantID
	role Role
	now  time.Time
}

func (a actor) gm() bool { return a.role == RoleGM }

// sees 玩家只能引用看得到的实体：未隐藏，且属于自己、被强制可见或所在单元已揭示
// 看不到的实体与不存在的实体返回同样的错误
func (a actor) sees(b *Board, e *Entity) bool {
	if a.gm() {
		return true
	}
	if e.Visibility.HiddenFromPlayers {
		return false
	}
	if e.Owner == a.id || e.Visibility.ForceVisible {
		return true
	}
	c, _ := b.CellOf(e.Position)
	return b.Fog.IsRevealed(c)
}

type handler func(t *Table, a actor, raw json.RawMessage) (Result, error)

var handlers = map[CommandKind]handler{
	CmdCreateBoard:    applyCreateBoard,
	CmdDeleteBoard:    applyDeleteBoard,
	CmdSetActiveBoard: applySetActiveBoard,
	CmdResizeGrid:     applyResizeGrid,
	CmdResizeBoard:    applyResizeBoard,
	CmdSetBackground:  applySetBackground,
	CmdReveal:         applyFog(true),
	CmdConceal:        applyFog(false),
	CmdRevealAll:      applyFogAll(true),
	CmdConcealAll:     applyFogAll(false),
	CmdAddEntity:      applyAddEntity,
	CmdRemoveEntity:   applyRemoveEntity,
	CmdMoveEntity:     applyMoveEntity,
	CmdSetVisibility:  applySetVisibility,
	CmdAddMarker:      applyAddMarker,
	CmdUpdateMarker:   applyUpdateMarker,
	CmdRemoveMarker:   applyRemoveMarker,
	CmdAddNote:        applyAddNote,
	CmdUpdateNote:     applyUpdateNote,
	CmdRemoveNote:     applyRemoveNote,
}

// Apply 唯一的修改入口：授权、校验，然后一次性生效
// 被拒绝的命令不会修改桌面
func (t *Table) Apply(cmd Command) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	role, ok := t.participants[cmd.Participant]
	if !ok {
		return Result{}, fmt.Errorf("participant %q: %w", cmd.Participant, ErrUnauthorized)
	}
	h, ok := handlers[cmd.Kind]
	if !ok {
		return Result{}, fmt.Errorf("kind %q: %w", cmd.Kind, ErrInvalidCommand)
	}
	if !Allowed(cmd.Kind, role) {
		return Result{}, fmt.Errorf("%s may not %s: %w", role, cmd.Kind, ErrUnauthorized)
	}
	res, err := h(t, actor{id: cmd.Participant, role: role, now: t.clock()}, cmd.Payload)
	if err != nil && !IsRecoverable(err) {
		t.log.Debugw("command rejected", "participant", cmd.Participant, "kind", cmd.Kind, "error", err)
		return Result{}, err
	}
	res.Version = t.version
	return res, err
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload: %w", ErrInvalidCommand)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, ErrInvalidCommand)
	}
	return nil
}

// 载荷定义

type BoardRef struct {
	Board ID `json:"board"`
}

type ResizeGridPayload struct {
	Board ID   `json:"board"`
	Grid  Grid `json:"grid"`
}

type ResizeBoardPayload struct {
	Board  ID      `json:"board"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type BackgroundPayload struct {
	Board      ID     `json:"board"`
	Background string `json:"background"`
}

type FogPayload struct {
	Board  ID     `json:"board"`
	Region Region `json:"region"`
}

type AddEntityPayload struct {
	Board      ID            `json:"board"`
	ID         ID            `json:"id,omitempty"` // 可选：客户端提议的标识
	Position   Vec2          `json:"position"`
	Size       Size          `json:"size"`
	Texture    string        `json:"texture,omitempty"`
	Owner      ParticipantID `json:"owner,omitempty"`
	Visibility Visibility    `json:"visibility"`
}

type EntityRef struct {
	Entity ID `json:"entity"`
}

type MoveEntityPayload struct {
	Entity     ID   `json:"entity"`
	Position   Vec2 `json:"position"`
	Animated   bool `json:"animated"`
	DurationMs int  `json:"durationMs,omitempty"`
}

// DefaultMoveDuration 动画移动未指定时长时使用
const DefaultMoveDuration = 300 * time.Millisecond

type VisibilityPayload struct {
	Entity            ID    `json:"entity"`
	HiddenFromPlayers *bool `json:"hiddenFromPlayers,omitempty"`
	ForceVisible      *bool `json:"forceVisible,omitempty"`
}

type AddMarkerPayload struct {
	Board    ID     `json:"board"`
	Entity   ID     `json:"entity,omitempty"`
	Position Vec2   `json:"position"`
	Label    string `json:"label"`
	Color    string `json:"color,omitempty"`
}

type UpdateMarkerPayload struct {
	Marker ID `json:"marker"`
	MarkerPatch
}

type MarkerRef struct {
	Marker ID `json:"marker"`
}

type AddNotePayload struct {
	Title  string `json:"title,omitempty"`
	Text   string `json:"text"`
	Entity ID     `json:"entity,omitempty"`
	Shared bool   `json:"shared"`
}

type UpdateNotePayload struct {
	Note ID `json:"note"`
	NotePatch
}

type NoteRef struct {
	Note ID `json:"note"`
}

// 处理函数：先校验，全部通过后再修改

func applyCreateBoard(t *Table, _ actor, raw json.RawMessage) (Result, error) {
	var p BoardSpec
	if len(raw) > 0 {
		if err := decode(raw, &p); err != nil {
			return Result{}, err
		}
	}
	id, err := t.createBoard(p)
	return Result{Created: id}, err
}

func applyDeleteBoard(t *Table, _ actor, raw json.RawMessage) (Result, error) {
	var p BoardRef
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	return Result{}, t.deleteBoard(p.Board)
}

func applySetActiveBoard(t *Table, _ actor, raw json.RawMessage) (Result, error) {
	var p BoardRef
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	return Result{}, t.setActiveBoard(p.Board)
}

func applyResizeGrid(t *Table, _ actor, raw json.RawMessage) (Result, error) {
	var p ResizeGridPayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	b, err := t.board(p.Board)
	if err != nil {
		return Result{}, err
	}
	if err := b.ResizeGrid(p.Grid); err != nil {
		return Result{}, err
	}
	t.commit()
	return Result{}, nil
}

func applyResizeBoard(t *Table, _ actor, raw json.RawMessage) (Result, error) {
	var p ResizeBoardPayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	b, err := t.board(p.Board)
	if err != nil {
		return Result{}, err
	}
	if err := b.Resize(p.Width, p.Height); err != nil {
		return Result{}, err
	}
	t.commit()
	return Result{}, nil
}

func applySetBackground(t *Table, _ actor, raw json.RawMessage) (Result, error) {
	var p BackgroundPayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	b, err := t.board(p.Board)
	if err != nil {
		return Result{}, err
	}
	b.SetBackground(p.Background)
	t.commit()
	return Result{}, nil
}

func applyFog(reveal bool) handler {
	return func(t *Table, _ actor, raw json.RawMessage) (Result, error) {
		var p FogPayload
		if err := decode(raw, &p); err != nil {
			return Result{}, err
		}
		b, err := t.board(p.Board)
		if err != nil {
			return Result{}, err
		}
		var (
			eff     Region
			clamped bool
		)
		if reveal {
			eff, clamped = b.Fog.Reveal(p.Region)
		} else {
			eff, clamped = b.Fog.Conceal(p.Region)
		}
		if clamped {
			t.log.Debugw("fog region clamped", "board", b.ID, "requested", p.Region, "effective", eff, "error", ErrOutOfBoundsClamped)
		}
		t.commit()
		return Result{}, nil
	}
}

func applyFogAll(reveal bool) handler {
	return func(t *Table, _ actor, raw json.RawMessage) (Result, error) {
		var p BoardRef
		if err := decode(raw, &p); err != nil {
			return Result{}, err
		}
		b, err := t.board(p.Board)
		if err != nil {
			return Result{}, err
		}
		if reveal {
			b.Fog.RevealAll()
		} else {
			b.Fog.ConcealAll()
		}
		t.commit()
		return Result{}, nil
	}
}

func applyAddEntity(t *Table, _ actor, raw json.RawMessage) (Result, error) {
	var p AddEntityPayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	b, err := t.board(p.Board)
	if err != nil {
		return Result{}, err
	}
	id := p.ID
	if id != 0 {
		// 标识在整张桌面范围内唯一（包括已删除的）
		if err := t.ids.Claim(id); err != nil {
			return Result{}, err
		}
	} else if id, err = t.ids.Next(); err != nil {
		return Result{}, err
	}
	e := &Entity{
		ID:         id,
		Size:       p.Size,
		Texture:    p.Texture,
		Owner:      p.Owner,
		Visibility: p.Visibility,
	}
	if err := b.AddEntity(e, p.Position); err != nil {
		t.ids.Release(id)
		return Result{}, err
	}
	t.commit()
	return Result{Created: id}, nil
}

func applyRemoveEntity(t *Table, _ actor, raw json.RawMessage) (Result, error) {
	var p EntityRef
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	b, _, ok := t.findEntity(p.Entity)
	if !ok {
		return Result{}, fmt.Errorf("entity %d: %w", p.Entity, ErrUnknownEntity)
	}
	t.dropEntity(b, p.Entity)
	t.commit()
	return Result{}, nil
}

func applyMoveEntity(t *Table, a actor, raw json.RawMessage) (Result, error) {
	var p MoveEntityPayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	b, e, ok := t.findEntity(p.Entity)
	if !ok || !a.sees(b, e) {
		return Result{}, fmt.Errorf("entity %d: %w", p.Entity, ErrUnknownEntity)
	}
	if !a.gm() && e.Owner != a.id {
		return Result{}, fmt.Errorf("entity %d not owned by %q: %w", e.ID, a.id, ErrUnauthorized)
	}
	d := time.Duration(p.DurationMs) * time.Millisecond
	if p.Animated && d <= 0 {
		d = DefaultMoveDuration
	}
	if err := b.MoveEntity(e.ID, p.Position, p.Animated, a.now, d); err != nil {
		return Result{}, err
	}
	t.commit()
	return Result{}, nil
}

func applySetVisibility(t *Table, _ actor, raw json.RawMessage) (Result, error) {
	var p VisibilityPayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	_, e, ok := t.findEntity(p.Entity)
	if !ok {
		return Result{}, fmt.Errorf("entity %d: %w", p.Entity, ErrUnknownEntity)
	}
	if p.HiddenFromPlayers != nil {
		e.Visibility.HiddenFromPlayers = *p.HiddenFromPlayers
	}
	if p.ForceVisible != nil {
		e.Visibility.ForceVisible = *p.ForceVisible
	}
	t.commit()
	return Result{}, nil
}

func applyAddMarker(t *Table, a actor, raw json.RawMessage) (Result, error) {
	var p AddMarkerPayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	if _, err := t.board(p.Board); err != nil {
		return Result{}, err
	}
	if p.Entity != 0 {
		b, e, ok := t.findEntity(p.Entity)
		if !ok || b.ID != p.Board || !a.sees(b, e) {
			return Result{}, fmt.Errorf("entity %d on board %d: %w", p.Entity, p.Board, ErrUnknownEntity)
		}
	}
	id, err := t.ids.Next()
	if err != nil {
		return Result{}, err
	}
	m := &Marker{
		ID:        id,
		Board:     p.Board,
		Entity:    p.Entity,
		Position:  p.Position,
		Label:     p.Label,
		Color:     p.Color,
		OwnerRole: a.role,
		Owner:     a.id,
	}
	t.store.addMarker(m)
	t.commit()
	return Result{Created: m.ID}, nil
}

func applyUpdateMarker(t *Table, a actor, raw json.RawMessage) (Result, error) {
	var p UpdateMarkerPayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	m, ok := t.store.markers[p.Marker]
	if !ok {
		return Result{}, fmt.Errorf("marker %d: %w", p.Marker, ErrUnknownMarker)
	}
	if !a.gm() && m.Owner != a.id {
		return Result{}, fmt.Errorf("marker %d: %w", p.Marker, ErrUnauthorized)
	}
	if err := t.store.updateMarker(p.Marker, p.MarkerPatch); err != nil {
		return Result{}, err
	}
	t.commit()
	return Result{}, nil
}

func applyRemoveMarker(t *Table, a actor, raw json.RawMessage) (Result, error) {
	var p MarkerRef
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	m, ok := t.store.markers[p.Marker]
	if !ok {
		return Result{}, fmt.Errorf("marker %d: %w", p.Marker, ErrUnknownMarker)
	}
	if !a.gm() && m.Owner != a.id {
		return Result{}, fmt.Errorf("marker %d: %w", p.Marker, ErrUnauthorized)
	}
	t.store.removeMarker(p.Marker)
	t.ids.Release(p.Marker)
	t.commit()
	return Result{}, nil
}

func applyAddNote(t *Table, a actor, raw json.RawMessage) (Result, error) {
	var p AddNotePayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	if p.Entity != 0 {
		if b, e, ok := t.findEntity(p.Entity); !ok || !a.sees(b, e) {
			return Result{}, fmt.Errorf("entity %d: %w", p.Entity, ErrUnknownEntity)
		}
	}
	id, err := t.ids.Next()
	if err != nil {
		return Result{}, err
	}
	n := &Note{
		ID:             id,
		Title:          p.Title,
		Text:           p.Text,
		AuthorRole:     a.role,
		Author:         a.id,
		AttachedEntity: p.Entity,
		Shared:         p.Shared,
		Created:        a.now,
		Updated:        a.now,
	}
	t.store.addNote(n)
	t.commit()
	return Result{Created: n.ID}, nil
}

func applyUpdateNote(t *Table, a actor, raw json.RawMessage) (Result, error) {
	var p UpdateNotePayload
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	n, ok := t.store.notes[p.Note]
	if !ok {
		return Result{}, fmt.Errorf("note %d: %w", p.Note, ErrUnknownNote)
	}
	if !a.gm() && n.Author != a.id {
		return Result{}, fmt.Errorf("note %d: %w", p.Note, ErrUnauthorized)
	}
	if err := t.store.updateNote(p.Note, p.NotePatch, a.now); err != nil {
		return Result{}, err
	}
	t.commit()
	return Result{}, nil
}

func applyRemoveNote(t *Table, a actor, raw json.RawMessage) (Result, error) {
	var p NoteRef
	if err := decode(raw, &p); err != nil {
		return Result{}, err
	}
	n, ok := t.store.notes[p.Note]
	if !ok {
		return Result{}, fmt.Errorf("note %d: %w", p.Note, ErrUnknownNote)
	}
	if !a.gm() && n.Author != a.id {
		return Result{}, fmt.Errorf("note %d: %w", p.Note, ErrUnauthorized)
	}
	t.store.removeNote(p.Note)
	t.ids.Release(p.Note)
	t.commit()
	return Result{}, nil
}
