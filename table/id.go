package table

import (
	"fmt"
	"sync"
)

// ID 桌面内实体、棋盘、标记、笔记的唯一标识；0 表示无
type ID uint64

// MaxID 可占用的最大标识，保证 next 不会回绕，也能被 JSON 数字精确表示
const MaxID ID = 1<<53 - 1

// Registry 分配桌面范围内的唯一标识，删除后的标识永不复用
type Registry struct {
	mu      sync.Mutex
	next    ID
	live    map[ID]struct{}
	retired map[ID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		next:    1,
		live:    make(map[ID]struct{}),
		retired: make(map[ID]struct{}),
	}
}

// Next 分配一个新标识；超过 MaxID 后返回 ErrIdentifiersExhausted
func (r *Registry) Next() (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next > MaxID {
		return 0, ErrIdentifiersExhausted
	}
	id := r.next
	r.next++
	r.live[id] = struct{}{}
	return id, nil
}

// Claim 占用外部指定的标识（恢复存档或客户端提议）
func (r *Registry) Claim(id ID) error {
	if id == 0 || id > MaxID {
		return fmt.Errorf("claim id %d: %w", id, ErrInvalidCommand)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; ok {
		return fmt.Errorf("id %d is live: %w", id, ErrDuplicateIdentifier)
	}
	if _, ok := r.retired[id]; ok {
		return fmt.Errorf("id %d was retired: %w", id, ErrDuplicateIdentifier)
	}
	r.live[id] = struct{}{}
	if id >= r.next {
		r.next = id + 1
	}
	return nil
}

// Release 回收标识，之后不可再次分配或占用
func (r *Registry) Release(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return
	}
	delete(r.live, id)
	r.retired[id] = struct{}{}
}

// Live 判断标识是否仍在使用
func (r *Registry) Live(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[id]
	return ok
}

// RegistryState 用于存档的注册表状态
type RegistryState struct {
	Next    ID   `json:"next"`
	Retired []ID `json:"retired,omitempty"`
}

func (r *Registry) state() RegistryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RegistryState{Next: r.next}
	for id := range r.retired {
		st.Retired = append(st.Retired, id)
	}
	sortIDs(st.Retired)
	return st
}

func (r *Registry) restore(st RegistryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.Next > r.next && st.Next <= MaxID+1 {
		r.next = st.Next
	}
	for _, id := range st.Retired {
		if id == 0 || id > MaxID {
			continue
		}
		delete(r.live, id)
		r.retired[id] = struct{}{}
		if id >= r.next {
			r.next = id + 1
		}
	}
}
