package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"runicvtt/table"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleTable(t *testing.T) *table.Table {
	t.Helper()
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	tb := table.New("crypt", zaptest.NewLogger(t).Sugar(), table.WithClock(func() time.Time { return now }))
	tb.AddParticipant("gm", table.RoleGM)

	apply := func(kind table.CommandKind, payload any) table.Result {
		cmd, err := table.NewCommand("gm", kind, payload)
		require.NoError(t, err)
		res, err := tb.Apply(cmd)
		require.NoError(t, err)
		return res
	}
	board := apply(table.CmdCreateBoard, table.BoardSpec{Name: "crypt", Width: 300, Height: 200, CellSize: 50}).Created
	apply(table.CmdSetActiveBoard, table.BoardRef{Board: board})
	apply(table.CmdReveal, table.FogPayload{Board: board, Region: table.Region{From: table.Cell{Col: 0, Row: 0}, To: table.Cell{Col: 2, Row: 1}}})
	token := apply(table.CmdAddEntity, table.AddEntityPayload{Board: board, Position: table.Vec2{X: 60, Y: 60}, Size: table.Size{W: 50, H: 50}, Texture: "skeleton.png"}).Created
	apply(table.CmdAddMarker, table.AddMarkerPayload{Board: board, Entity: token, Label: "boss", Color: "#f00"})
	apply(table.CmdAddNote, table.AddNotePayload{Title: "Loot", Text: "*100gp*", Shared: true})
	return tb
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	tb := sampleTable(t)
	dump := tb.Dump()

	require.NoError(t, s.Save(ctx, "crypt", dump))
	got, ok, err := s.Load(ctx, "crypt")
	require.NoError(t, err)
	require.True(t, ok)

	want, err := json.Marshal(dump)
	require.NoError(t, err)
	have, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(have))

	restored := table.New("crypt", nil)
	require.NoError(t, restored.Restore(got))
	assert.Equal(t, dump.Boards, restored.Dump().Boards)
}

func TestStore_SaveOverwrites(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	tb := sampleTable(t)

	require.NoError(t, s.Save(ctx, "crypt", tb.Dump()))
	_, err := tb.CreateBoard(table.BoardSpec{Name: "tower"})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "crypt", tb.Dump()))

	got, ok, err := s.Load(ctx, "crypt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Boards, 2)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crypt"}, names)
}

func TestStore_LoadMissing(t *testing.T) {
	s := openMemory(t)
	_, ok, err := s.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_FilePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runicvtt.db")
	ctx := context.Background()

	s, err := Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "crypt", sampleTable(t).Dump()))
	require.NoError(t, s.Close())

	s, err = Open("sqlite", path)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Load(ctx, "crypt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "crypt", got.Name)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mongo", "")
	assert.ErrorContains(t, err, "unknown storage driver")
}
