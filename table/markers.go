package table

import "time"

// Marker 钉在实体或棋盘位置上的标记
type Marker struct {
	ID        ID            `json:"id"`
	Board     ID            `json:"board"`
	Entity    ID            `json:"entity,omitempty"` // 非 0 时跟随实体
	Position  Vec2          `json:"position"`
	Label     string        `json:"label"`
	Color     string        `json:"color,omitempty"`
	OwnerRole Role          `json:"ownerRole"`
	Owner     ParticipantID `json:"owner,omitempty"`
}

// Note 笔记，可附着到实体或挂在桌面
type Note struct {
	ID             ID            `json:"id"`
	Title          string        `json:"title,omitempty"`
	Text           string        `json:"text"`
	AuthorRole     Role          `json:"authorRole"`
	Author         ParticipantID `json:"author,omitempty"`
	AttachedEntity ID            `json:"attachedEntity,omitempty"`
	Shared         bool          `json:"shared"`
	Created        time.Time     `json:"created"`
	Updated        time.Time     `json:"updated"`
}

// MarkerPatch / NotePatch 为部分更新，nil 字段不变
type MarkerPatch struct {
	Label    *string `json:"label,omitempty"`
	Color    *string `json:"color,omitempty"`
	Position *Vec2   `json:"position,omitempty"`
}

type NotePatch struct {
	Title  *string `json:"title,omitempty"`
	Text   *string `json:"text,omitempty"`
	Shared *bool   `json:"shared,omitempty"`
}

// markerNoteStore 标记与笔记的增删改查；标识由桌面注册表分配
type markerNoteStore struct {
	markers map[ID]*Marker
	notes   map[ID]*Note
}

func newMarkerNoteStore() *markerNoteStore {
	return &markerNoteStore{
		markers: make(map[ID]*Marker),
		notes:   make(map[ID]*Note),
	}
}

func (s *markerNoteStore) addMarker(m *Marker) { s.markers[m.ID] = m }

func (s *markerNoteStore) updateMarker(id ID, p MarkerPatch) error {
	m, ok := s.markers[id]
	if !ok {
		return ErrUnknownMarker
	}
	if p.Label != nil {
		m.Label = *p.Label
	}
	if p.Color != nil {
		m.Color = *p.Color
	}
	if p.Position != nil && m.Entity == 0 {
		m.Position = *p.Position
	}
	return nil
}

func (s *markerNoteStore) removeMarker(id ID) bool {
	if _, ok := s.markers[id]; !ok {
		return false
	}
	delete(s.markers, id)
	return true
}

func (s *markerNoteStore) addNote(n *Note) { s.notes[n.ID] = n }

func (s *markerNoteStore) updateNote(id ID, p NotePatch, now time.Time) error {
	n, ok := s.notes[id]
	if !ok {
		return ErrUnknownNote
	}
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Text != nil {
		n.Text = *p.Text
	}
	if p.Shared != nil {
		n.Shared = *p.Shared
	}
	n.Updated = now
	return nil
}

func (s *markerNoteStore) removeNote(id ID) bool {
	if _, ok := s.notes[id]; !ok {
		return false
	}
	delete(s.notes, id)
	return true
}

// removeForEntity 级联删除附着在实体上的标记与笔记，返回被删除的标识
func (s *markerNoteStore) removeForEntity(entity ID) []ID {
	var removed []ID
	for id, m := range s.markers {
		if m.Entity == entity {
			delete(s.markers, id)
			removed = append(removed, id)
		}
	}
	for id, n := range s.notes {
		if n.AttachedEntity == entity {
			delete(s.notes, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// removeForBoard 级联删除棋盘上的标记
func (s *markerNoteStore) removeForBoard(board ID) []ID {
	var removed []ID
	for id, m := range s.markers {
		if m.Board == board {
			delete(s.markers, id)
			removed = append(removed, id)
		}
	}
	return removed
}
