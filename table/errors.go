package table

import "errors"

// 桌面状态错误：命令被拒绝时桌面保持不变
var (
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
	ErrUnknownBoard        = errors.New("unknown board")
	ErrUnknownEntity       = errors.New("unknown entity")
	ErrUnknownMarker       = errors.New("unknown marker")
	ErrUnknownNote         = errors.New("unknown note")
	ErrUnknownParticipant  = errors.New("unknown participant")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidCommand      = errors.New("invalid command")

	// ErrIdentifiersExhausted 标识已分配到 MaxID
	ErrIdentifiersExhausted = errors.New("identifiers exhausted")

	// ErrActiveBoardDeleted 不是失败：删除已生效，activeBoard 被置空
	ErrActiveBoardDeleted = errors.New("active board deleted")

	// ErrOutOfBoundsClamped 仅用于日志，越界坐标已被修正
	ErrOutOfBoundsClamped = errors.New("out of bounds, clamped")
)
