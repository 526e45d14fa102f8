package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/broadcast"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/internal/worktree"
)

// testRuntime builds a runtime with the hub and mailbox running but no
// agents spawned.
func testRuntime(t *testing.T, m *Manager, ws *workspace.Workspace, sess *Session) *Runtime {
	t.Helper()
	rt := newRuntime(m, ws, sess)
	go rt.hub.Run(rt.ctx)
	go rt.loop()
	t.Cleanup(rt.cancel)
	return rt
}

// attachClient connects a real WebSocket client to the runtime the way the
// /ws handler does.
func attachClient(t *testing.T, rt *Runtime) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		sub := rt.Attach(req.Context(), conn)
		sub.ReadPump(req.Context())
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) broadcast.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame broadcast.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestAttachSendsInitialSync(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	now := time.Now().UTC()
	sess := seedSession(t, m, ws, now, now)
	rt := testRuntime(t, m, ws, sess)

	conn := attachClient(t, rt)

	frame := readFrame(t, conn)
	assert.Equal(t, broadcast.TypeMessagesSync, frame.Type())
	assert.Equal(t, ids.MainWorktreeID, frame.String("worktreeId"))
	assert.Equal(t, workspace.ProviderCodex, frame.String("provider"))
}

func TestAgentDeathBroadcastsWorktreeUpdate(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	now := time.Now().UTC()
	sess := seedSession(t, m, ws, now, now)
	rt := testRuntime(t, m, ws, sess)

	conn := attachClient(t, rt)
	require.Equal(t, broadcast.TypeMessagesSync, readFrame(t, conn).Type())

	// The supervisor's event stream closing without a deliberate stop marks
	// the worktree errored; subscribers see the transition without having to
	// refetch the roster.
	rt.post(func() { rt.agentGone(&worker{worktreeID: ids.MainWorktreeID}) })

	frame := readFrame(t, conn)
	require.Equal(t, broadcast.TypeWorktreeUpdated, frame.Type())

	var payload struct {
		Worktree struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"worktree"`
	}
	require.NoError(t, frame.Decode(&payload))
	assert.Equal(t, ids.MainWorktreeID, payload.Worktree.ID)
	assert.Equal(t, worktree.StatusError, payload.Worktree.Status)

	wt, err := m.worktrees.Get(context.Background(), sess.ID, ids.MainWorktreeID)
	require.NoError(t, err)
	assert.Equal(t, worktree.StatusError, wt.Status)
}
