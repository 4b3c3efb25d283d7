package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"runicvtt/table"
)

// Routes 注册 HTTP 接口；webDir 非空时将 / 映射到静态资源
func (s *Session) Routes(webDir string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	if webDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(webDir)))
	}
	// 管理与监控接口
	mux.HandleFunc("/admin/status", s.HandleAdminStatus)
	mux.HandleFunc("/admin/save", s.HandleAdminSave)
	mux.HandleFunc("/metrics", s.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// TunnelInfo 隧道状态
type TunnelInfo struct {
	State string `json:"state"`
	URL   string `json:"url,omitempty"`
}

// StatusReport /admin/status 的输出
type StatusReport struct {
	Table        string                             `json:"table"`
	Version      uint64                             `json:"version"`
	Tick         uint64                             `json:"tick"`
	Active       table.ID                           `json:"active,omitempty"`
	Boards       []table.BoardSummary               `json:"boards"`
	Participants map[table.ParticipantID]table.Role `json:"participants"`
	Tunnel       *TunnelInfo                        `json:"tunnel,omitempty"`
}

// HandleAdminStatus 输出桌面与隧道的概要
// GET /admin/status
func (s *Session) HandleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.table.Snapshot()
	rep := StatusReport{
		Table:        s.table.Name,
		Version:      snap.Version,
		Tick:         s.TickSeq(),
		Boards:       snap.Boards,
		Participants: snap.Participants,
	}
	if snap.Active != nil {
		rep.Active = snap.Active.ID
	}
	if s.opts.Tunnel != nil {
		rep.Tunnel = &TunnelInfo{State: s.opts.Tunnel.State().String(), URL: s.opts.Tunnel.URL()}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rep)
}

// HandleAdminSave 立即保存桌面存档
// POST /admin/save
func (s *Session) HandleAdminSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.Save(ctx); err != nil {
		s.log.Errorw("save failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, errNoSaver) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "version": s.table.Version()})
}

// HandleMetrics 输出会话运行指标
// GET /metrics
func (s *Session) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"table":   s.table.Name,
		"tick":    s.TickSeq(),
		"metrics": s.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
