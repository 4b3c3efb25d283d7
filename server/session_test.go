package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"runicvtt/broadcast"
	"runicvtt/table"
	"runicvtt/tunnel"
)

type fakeTunnel struct {
	state tunnel.State
	url   string
}

func (f fakeTunnel) State() tunnel.State { return f.state }
func (f fakeTunnel) URL() string         { return f.url }

type fakeSaver struct {
	mu    sync.Mutex
	saved map[string]table.Dump
}

func (f *fakeSaver) Save(_ context.Context, name string, d table.Dump) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string]table.Dump)
	}
	f.saved[name] = d
	return nil
}

type harness struct {
	sess *Session
	tb   *table.Table
	srv  *httptest.Server
	logs *observer.ObservedLogs
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	log := zap.New(core).Sugar()
	tb := table.New("test", log, table.WithBoardDefaults(table.BoardDefaults{Width: 500, Height: 500, CellSize: 50}))
	m, err := NewMetrics()
	require.NoError(t, err)
	if opts.TickInterval == 0 {
		opts.TickInterval = 5 * time.Millisecond
	}
	sess := NewSession(tb, opts, m, log)
	sess.Start(context.Background())
	t.Cleanup(sess.Stop)

	srv := httptest.NewServer(sess.Routes(""))
	t.Cleanup(srv.Close)
	return &harness{sess: sess, tb: tb, srv: srv, logs: logs}
}

// wireMsg 出站消息的并集，测试只关心部分字段
type wireMsg struct {
	Type        string               `json:"type"`
	Seq         int64                `json:"seq"`
	Version     uint64               `json:"version"`
	Participant string               `json:"participantId"`
	FullSync    bool                 `json:"fullSync"`
	Board       *broadcast.BoardInfo `json:"board"`
	Added       []broadcast.Item     `json:"added"`
	Updated     []broadcast.Item     `json:"updated"`
	Removed     []table.ID           `json:"removed"`
	Created     table.ID             `json:"created"`
	Warning     string               `json:"warning"`
	Error       string               `json:"error"`
	From        string               `json:"from"`
	Role        table.Role           `json:"role"`
	Text        string               `json:"text"`
}

func (m wireMsg) has(id table.ID) bool {
	for _, it := range append(append([]broadcast.Item{}, m.Added...), m.Updated...) {
		if it.ID == id {
			return true
		}
	}
	return false
}

type client struct {
	t   *testing.T
	ws  *websocket.Conn
	seq int64
}

func (h *harness) dial(t *testing.T, query string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(kind string, payload any) int64 {
	c.t.Helper()
	c.seq++
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(Inbound{Kind: kind, Payload: raw, Seq: c.seq}))
	return c.seq
}

func (c *client) read() wireMsg {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m wireMsg
	require.NoError(c.t, c.ws.ReadJSON(&m))
	return m
}

// waitFor 读取直到满足条件，返回满足条件的消息与之前跳过的消息
func (c *client) waitFor(match func(wireMsg) bool) (wireMsg, []wireMsg) {
	c.t.Helper()
	var skipped []wireMsg
	for {
		m := c.read()
		if match(m) {
			return m, skipped
		}
		skipped = append(skipped, m)
	}
}

func (c *client) reply(seq int64) wireMsg {
	c.t.Helper()
	m, _ := c.waitFor(func(m wireMsg) bool {
		return (m.Type == TypeAck || m.Type == TypeRejected) && m.Seq == seq
	})
	return m
}

func (c *client) ack(seq int64) wireMsg {
	c.t.Helper()
	m := c.reply(seq)
	require.Equal(c.t, TypeAck, m.Type, "command %d rejected: %s", seq, m.Error)
	return m
}

func isPatch(m wireMsg) bool { return m.Type == TypePatch }

func TestSession_JoinGetsFullSync(t *testing.T) {
	h := newHarness(t, Options{})
	gm := h.dial(t, "participant=gm&role=gm")

	m, _ := gm.waitFor(isPatch)
	assert.True(t, m.FullSync)
	assert.Equal(t, int64(1), m.Seq)
	assert.Equal(t, "gm", m.Participant)
	require.NotNil(t, m.Board)
	assert.Zero(t, m.Board.ID)

	role, ok := h.tb.Participant("gm")
	require.True(t, ok)
	assert.Equal(t, table.RoleGM, role)
}

func TestSession_AnonymousJoinGetsID(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t, "role=player")

	m, _ := c.waitFor(isPatch)
	_, err := uuid.Parse(m.Participant)
	assert.NoError(t, err)
}

func TestSession_FogHidesTokenUntilRevealed(t *testing.T) {
	h := newHarness(t, Options{})
	gm := h.dial(t, "participant=gm&role=gm")
	alice := h.dial(t, "participant=alice&role=player")
	alice.waitFor(isPatch)

	board := gm.ack(gm.send(string(table.CmdCreateBoard), table.BoardSpec{Name: "crypt"})).Created
	require.NotZero(t, board)
	gm.ack(gm.send(string(table.CmdSetActiveBoard), table.BoardRef{Board: board}))
	token := gm.ack(gm.send(string(table.CmdAddEntity), table.AddEntityPayload{
		Board: board, Position: table.Vec2{X: 60, Y: 60}, Size: table.Size{W: 50, H: 50},
	})).Created
	require.NotZero(t, token)

	gm.waitFor(func(m wireMsg) bool { return isPatch(m) && m.has(token) })

	reveal := gm.ack(gm.send(string(table.CmdReveal), table.FogPayload{
		Board: board, Region: table.Region{From: table.Cell{Col: 1, Row: 1}, To: table.Cell{Col: 1, Row: 1}},
	}))

	seen, before := alice.waitFor(func(m wireMsg) bool { return isPatch(m) && m.has(token) })
	assert.GreaterOrEqual(t, seen.Version, reveal.Version)
	for _, m := range before {
		assert.False(t, m.has(token), "token leaked through fog at version %d", m.Version)
	}
}

func TestSession_PlayerCommandRejected(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.dial(t, "participant=alice&role=player")
	alice.waitFor(isPatch)
	before := h.tb.Version()

	seq := alice.send(string(table.CmdCreateBoard), table.BoardSpec{Name: "mine"})
	m := alice.reply(seq)
	assert.Equal(t, TypeRejected, m.Type)
	assert.Contains(t, m.Error, "unauthorized")
	assert.Equal(t, before, h.tb.Version())
}

func TestSession_MalformedAndUnknownMessages(t *testing.T) {
	h := newHarness(t, Options{})
	gm := h.dial(t, "participant=gm&role=gm")
	gm.waitFor(isPatch)

	require.NoError(t, gm.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	m, _ := gm.waitFor(func(m wireMsg) bool { return m.Type == TypeRejected })
	assert.Equal(t, "malformed message", m.Error)

	m = gm.reply(gm.send("summon_dragon", map[string]any{}))
	assert.Equal(t, TypeRejected, m.Type)
	assert.Contains(t, m.Error, "invalid command")
}

func TestSession_DeleteActiveBoardAcksWithWarning(t *testing.T) {
	h := newHarness(t, Options{})
	gm := h.dial(t, "participant=gm&role=gm")

	board := gm.ack(gm.send(string(table.CmdCreateBoard), table.BoardSpec{})).Created
	gm.ack(gm.send(string(table.CmdSetActiveBoard), table.BoardRef{Board: board}))
	m := gm.ack(gm.send(string(table.CmdDeleteBoard), table.BoardRef{Board: board}))

	assert.Contains(t, m.Warning, "active board deleted")
	assert.Zero(t, h.tb.ActiveBoard())
	assert.Equal(t, 1, h.logs.FilterMessage("command applied with recoverable transition").Len())
}

func TestSession_ChatRelay(t *testing.T) {
	h := newHarness(t, Options{})
	gm := h.dial(t, "participant=gm&role=gm")
	alice := h.dial(t, "participant=alice&role=player")
	alice.waitFor(isPatch)

	alice.send(KindChat, ChatPayload{Text: "I open the door"})
	m, _ := gm.waitFor(func(m wireMsg) bool { return m.Type == TypeChat })
	assert.Equal(t, "alice", m.From)
	assert.Equal(t, table.RolePlayer, m.Role)
	assert.Equal(t, "I open the door", m.Text)

	m = alice.reply(alice.send(KindChat, ChatPayload{}))
	assert.Equal(t, TypeRejected, m.Type)
}

func TestSession_DisconnectRemovesParticipant(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.dial(t, "participant=alice&role=player")
	alice.waitFor(isPatch)

	require.NoError(t, alice.ws.Close())
	require.Eventually(t, func() bool {
		_, ok := h.tb.Participant("alice")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_ReconnectReplacesConnection(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.dial(t, "participant=alice&role=player")
	first.waitFor(isPatch)

	second := h.dial(t, "participant=alice&role=player")
	m, _ := second.waitFor(isPatch)
	assert.True(t, m.FullSync)

	// 旧连接被关闭
	require.NoError(t, first.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := first.ws.ReadMessage(); err != nil {
			break
		}
	}
	_, ok := h.tb.Participant("alice")
	assert.True(t, ok)
}

func TestSession_StopClosesConnections(t *testing.T) {
	h := newHarness(t, Options{})
	gm := h.dial(t, "participant=gm&role=gm")
	gm.waitFor(isPatch)

	h.sess.Stop()
	assert.False(t, h.sess.Running())
	require.NoError(t, gm.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := gm.ws.ReadMessage(); err != nil {
			break
		}
	}
	_, ok := h.tb.Participant("gm")
	assert.False(t, ok)

	resp, err := http.Get(h.srv.URL + "/ws?participant=late")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSession_JoinsRacingStopAreClosed(t *testing.T) {
	for _, started := range []bool{true, false} {
		m, err := NewMetrics()
		require.NoError(t, err)
		s := NewSession(table.New("test", nil), Options{TickInterval: time.Millisecond}, m, nil)
		if started {
			s.Start(context.Background())
		}

		const n = 200
		conns := make([]*ClientConn, n)
		accepted := make([]bool, n)
		var wg sync.WaitGroup
		for i := range conns {
			conns[i] = NewClientConn(nil, 1)
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := &Participant{ID: table.ParticipantID(fmt.Sprintf("p%d", i)), Role: table.RolePlayer, Conn: conns[i]}
				accepted[i] = s.requestJoin(join{p: p})
			}(i)
		}
		s.Stop()
		wg.Wait()

		for i, c := range conns {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if accepted[i] {
				assert.True(t, closed, "started=%v conn %d accepted but left open", started, i)
			}
		}
		assert.False(t, s.requestJoin(join{p: &Participant{ID: "late", Conn: NewClientConn(nil, 1)}}))
	}
}

func TestSession_DroppedPatchForcesResync(t *testing.T) {
	tb := table.New("test", nil)
	m, err := NewMetrics()
	require.NoError(t, err)
	s := NewSession(tb, Options{SendQueue: 1}, m, nil)
	c := NewClientConn(nil, 1)
	s.onJoin(&Participant{ID: "gm", Role: table.RoleGM, Conn: c})
	now := time.Now()

	s.step(now)
	board, err := tb.CreateBoard(table.BoardSpec{})
	require.NoError(t, err)
	require.NoError(t, tb.SetActiveBoard(board))
	s.step(now)
	assert.Equal(t, int64(1), m.PatchesDropped)

	<-c.send
	s.step(now)
	var msg wireMsg
	require.NoError(t, json.Unmarshal(<-c.send, &msg))
	assert.True(t, msg.FullSync)
	require.NotNil(t, msg.Board)
	assert.Equal(t, board, msg.Board.ID)
}

func TestSession_FullCommandQueueRejects(t *testing.T) {
	tb := table.New("test", nil)
	m, err := NewMetrics()
	require.NoError(t, err)
	s := NewSession(tb, Options{CommandQueue: 1}, m, nil)
	c := NewClientConn(nil, 4)

	s.submit(inbound{from: "gm", conn: c, msg: Inbound{Kind: "reveal", Seq: 1}})
	s.submit(inbound{from: "gm", conn: c, msg: Inbound{Kind: "reveal", Seq: 2}})

	var msg wireMsg
	require.NoError(t, json.Unmarshal(<-c.send, &msg))
	assert.Equal(t, TypeRejected, msg.Type)
	assert.Equal(t, int64(2), msg.Seq)
	assert.Equal(t, "command queue full", msg.Error)
	assert.Equal(t, int64(1), m.CommandsDropped)
}

func TestRoutes_AdminStatus(t *testing.T) {
	h := newHarness(t, Options{Tunnel: fakeTunnel{state: tunnel.StateReady, url: "https://tavern.loca.lt"}})
	gm := h.dial(t, "participant=gm&role=gm")
	gm.ack(gm.send(string(table.CmdCreateBoard), table.BoardSpec{Name: "crypt"}))

	resp, err := http.Get(h.srv.URL + "/admin/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, "test", rep.Table)
	require.Len(t, rep.Boards, 1)
	assert.Equal(t, "crypt", rep.Boards[0].Name)
	assert.Equal(t, table.RoleGM, rep.Participants["gm"])
	require.NotNil(t, rep.Tunnel)
	assert.Equal(t, TunnelInfo{State: "ready", URL: "https://tavern.loca.lt"}, *rep.Tunnel)
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	h := newHarness(t, Options{})

	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	require.Eventually(t, func() bool { return h.sess.TickSeq() > 2 }, 5*time.Second, 5*time.Millisecond)
	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Table   string         `json:"table"`
		Metrics map[string]any `json:"metrics"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "test", out.Table)
	assert.Greater(t, out.Metrics["tick_count"], float64(0))
}

func TestRoutes_InvalidRole(t *testing.T) {
	h := newHarness(t, Options{})
	resp, err := http.Get(h.srv.URL + "/ws?participant=x&role=wizard")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoutes_AdminSave(t *testing.T) {
	saver := &fakeSaver{}
	h := newHarness(t, Options{Saver: saver})
	_, err := h.tb.CreateBoard(table.BoardSpec{Name: "crypt"})
	require.NoError(t, err)

	resp, err := http.Post(h.srv.URL+"/admin/save", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	saver.mu.Lock()
	require.Contains(t, saver.saved, "test")
	assert.Len(t, saver.saved["test"].Boards, 1)
	saver.mu.Unlock()

	resp, err = http.Get(h.srv.URL + "/admin/save")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	bare := newHarness(t, Options{})
	resp, err = http.Post(bare.srv.URL+"/admin/save", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
