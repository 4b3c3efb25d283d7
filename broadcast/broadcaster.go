package broadcast

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"runicvtt/table"
)

// Source 广播所需的只读视图
type Source interface {
	Snapshot() *table.Snapshot
}

// viewer 每个参与者上次广播后保留的比较状态：版本号 + 条目指纹
type viewer struct {
	role    table.Role
	seq     uint64
	version uint64
	synced  bool
	board   uint64
	seen    map[table.ID]uint64
}

// Broadcaster 按参与者计算可见性过滤后的增量
type Broadcaster struct {
	mu      sync.Mutex
	src     Source
	viewers map[table.ParticipantID]*viewer
	log     *zap.SugaredLogger
}

func New(src Source, log *zap.SugaredLogger) *Broadcaster {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Broadcaster{
		src:     src,
		viewers: make(map[table.ParticipantID]*viewer),
		log:     log,
	}
}

// Forget 丢弃参与者的比较状态，下一次 Tick 会重新全量同步
func (b *Broadcaster) Forget(id table.ParticipantID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.viewers, id)
}

// Tick 读取一致快照，为每个参与者生成补丁（按参与者标识排序）
// 新加入者先收到 FullSync 补丁；没有变化的参与者不产生补丁
func (b *Broadcaster) Tick(now time.Time) []Patch {
	snap := b.src.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id := range b.viewers {
		if _, ok := snap.Participants[id]; !ok {
			delete(b.viewers, id)
		}
	}

	ids := make([]table.ParticipantID, 0, len(snap.Participants))
	for id := range snap.Participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []Patch
	for _, id := range ids {
		role := snap.Participants[id]
		v, ok := b.viewers[id]
		if !ok || v.role != role {
			// 角色变化等同重新加入
			v = &viewer{role: role, seen: make(map[table.ID]uint64)}
			b.viewers[id] = v
		}
		if v.synced && v.version == snap.Version {
			continue
		}
		p := b.diff(v, id, snap)
		p.Time = now
		if v.synced && p.Empty() {
			continue
		}
		v.synced = true
		v.seq++
		p.Seq = v.seq
		out = append(out, p)
	}
	return out
}

// diff 计算并提交观察者的新比较状态
func (b *Broadcaster) diff(v *viewer, id table.ParticipantID, snap *table.Snapshot) Patch {
	p := Patch{
		Participant: id,
		Version:     snap.Version,
		FullSync:    !v.synced,
		Added:       []Item{},
		Updated:     []Item{},
		Removed:     []table.ID{},
	}
	v.version = snap.Version

	info := boardInfo(snap)
	if h := b.fingerprint(info); !v.synced || h != v.board {
		v.board = h
		p.Board = info
	}

	items := visibleItems(snap, id, v.role)
	keys := make([]table.ID, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	next := make(map[table.ID]uint64, len(items))
	for _, k := range keys {
		it := items[k]
		h := b.fingerprint(it)
		next[k] = h
		prev, seen := v.seen[k]
		switch {
		case !seen:
			p.Added = append(p.Added, it)
		case prev != h:
			p.Updated = append(p.Updated, it)
		}
	}
	for k := range v.seen {
		if _, ok := next[k]; !ok {
			p.Removed = append(p.Removed, k)
		}
	}
	sort.Slice(p.Removed, func(i, j int) bool { return p.Removed[i] < p.Removed[j] })
	v.seen = next
	return p
}

func (b *Broadcaster) fingerprint(v any) uint64 {
	raw, err := json.Marshal(v)
	if err != nil {
		b.log.Errorw("fingerprint failed", "error", err)
		return 0
	}
	return xxhash.Sum64(raw)
}
