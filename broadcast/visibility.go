package broadcast

import "runicvtt/table"

// EntityVisible 玩家可见规则：未对玩家隐藏，且所在单元已揭示或被强制可见
// GM 无条件可见
func EntityVisible(role table.Role, e *table.Entity, b *table.BoardView) bool {
	if role == table.RoleGM {
		return true
	}
	if e.Visibility.HiddenFromPlayers {
		return false
	}
	return e.Visibility.ForceVisible || b.Fog.IsRevealed(b.CellOf(e.Position))
}

// noteVisible 玩家只能看到共享笔记和自己写的笔记
func noteVisible(viewer table.ParticipantID, role table.Role, n *table.Note) bool {
	return role == table.RoleGM || n.Shared || n.Author == viewer
}

// pinVisible 棋盘标记：玩家放置的始终可见，GM 放置的需所在单元已揭示
func pinVisible(role table.Role, m *table.Marker, b *table.BoardView) bool {
	if role == table.RoleGM || m.OwnerRole == table.RolePlayer {
		return true
	}
	return b.Fog.IsRevealed(b.CellOf(m.Position))
}

// visibleItems 计算观察者在快照中能看到的全部条目
func visibleItems(s *table.Snapshot, viewer table.ParticipantID, role table.Role) map[table.ID]Item {
	items := make(map[table.ID]Item)

	attachedNotes := make(map[table.ID][]table.Note)
	for i := range s.Notes {
		n := s.Notes[i]
		if !noteVisible(viewer, role, &n) {
			continue
		}
		if n.AttachedEntity != 0 {
			attachedNotes[n.AttachedEntity] = append(attachedNotes[n.AttachedEntity], n)
			continue
		}
		items[n.ID] = Item{Kind: KindNote, ID: n.ID, Note: &n}
	}

	b := s.Active
	if b == nil {
		return items
	}

	attachedMarkers := make(map[table.ID][]table.Marker)
	for i := range b.Markers {
		m := b.Markers[i]
		if m.Entity != 0 {
			attachedMarkers[m.Entity] = append(attachedMarkers[m.Entity], m)
			continue
		}
		if pinVisible(role, &m, b) {
			items[m.ID] = Item{Kind: KindMarker, ID: m.ID, Marker: &m}
		}
	}

	for i := range b.Entities {
		e := b.Entities[i]
		if !EntityVisible(role, &e, b) {
			continue
		}
		// 动画终点落在未揭示区域时不向玩家透露
		if role != table.RoleGM && e.Moving != nil && !e.Visibility.ForceVisible &&
			!b.Fog.IsRevealed(b.CellOf(e.Moving.To)) {
			e.Moving = nil
		}
		items[e.ID] = Item{
			Kind: KindEntity,
			ID:   e.ID,
			Entity: &EntityView{
				Entity:  e,
				Markers: attachedMarkers[e.ID],
				Notes:   attachedNotes[e.ID],
			},
		}
	}
	return items
}

// boardInfo 激活棋盘的元数据；无激活棋盘时返回 ID 为 0 的空信息
func boardInfo(s *table.Snapshot) *BoardInfo {
	b := s.Active
	if b == nil {
		return &BoardInfo{}
	}
	return &BoardInfo{
		ID:         b.ID,
		Name:       b.Name,
		Grid:       b.Grid,
		Width:      b.Width,
		Height:     b.Height,
		Background: b.Background,
		Fog:        b.Fog.Rows(),
	}
}
