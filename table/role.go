package table

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParticipantID 已连接参与者的标识
type ParticipantID string

// Role 参与者角色，闭合枚举
type Role uint8

const (
	RolePlayer Role = iota
	RoleGM
)

func (r Role) String() string {
	switch r {
	case RoleGM:
		return "gm"
	case RolePlayer:
		return "player"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole 解析 "gm" / "player"
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gm", "gamemaster":
		return RoleGM, nil
	case "player", "":
		return RolePlayer, nil
	}
	return RolePlayer, fmt.Errorf("role %q: %w", s, ErrInvalidCommand)
}

func (r Role) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}
