package table

import "time"

// Visibility 实体对玩家的可见性开关
type Visibility struct {
	HiddenFromPlayers bool `json:"hiddenFromPlayers"`
	ForceVisible      bool `json:"forceVisible"`
}

// Motion 进行中的插值移动；完成前 Position 不变
type Motion struct {
	From     Vec2          `json:"from"`
	To       Vec2          `json:"to"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
}

// Done 动画是否已结束
func (m Motion) Done(now time.Time) bool {
	return !now.Before(m.Start.Add(m.Duration))
}

// At 返回 now 时刻的渲染位置（仅供表现层使用）
func (m Motion) At(now time.Time) Vec2 {
	if m.Duration <= 0 || m.Done(now) {
		return m.To
	}
	if now.Before(m.Start) {
		return m.From
	}
	t := float64(now.Sub(m.Start)) / float64(m.Duration)
	return m.From.Lerp(m.To, t)
}

// Entity 棋盘上的令牌，只属于一个棋盘（由棋盘的集合持有，不反向引用）
type Entity struct {
	ID         ID         `json:"id"`
	Position   Vec2       `json:"position"`
	Size       Size       `json:"size"`
	Visibility Visibility `json:"visibility"`
	Moving     *Motion    `json:"moving,omitempty"`
	Texture    string     `json:"texture,omitempty"`
	// Owner 可移动该令牌的参与者；空表示仅 GM
	Owner ParticipantID `json:"owner,omitempty"`
}

func (e *Entity) clone() *Entity {
	c := *e
	if e.Moving != nil {
		m := *e.Moving
		c.Moving = &m
	}
	return &c
}

// startMotion 开始一次动画移动，起点为当前权威位置
func (e *Entity) startMotion(to Vec2, now time.Time, d time.Duration) {
	e.Moving = &Motion{From: e.Position, To: to, Start: now, Duration: d}
}

// settle 动画完成时提交目标位置，返回是否提交
func (e *Entity) settle(now time.Time) bool {
	if e.Moving == nil || !e.Moving.Done(now) {
		return false
	}
	e.Position = e.Moving.To
	e.Moving = nil
	return true
}
