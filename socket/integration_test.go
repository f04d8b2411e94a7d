package socket_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/loomflow/loom/api"
	"github.com/loomflow/loom/auth"
	"github.com/loomflow/loom/config"
	"github.com/loomflow/loom/protocol"
	"github.com/loomflow/loom/socket"
	"github.com/loomflow/loom/store"
)

type testEnv struct {
	t       *testing.T
	ts      *httptest.Server
	store   store.Store
	authSvc *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	authSvc := auth.NewService(config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sock := socket.NewServer(st, authSvc, logger, socket.Options{
		TombstoneLifetime: 200 * time.Millisecond,
	})
	apiSrv := api.NewServer(st, sock, 1<<20, logger)

	ts := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{t: t, ts: ts, store: st, authSvc: authSvc}
}

func (e *testEnv) seedWorkflow(workflowID, workspaceID string) {
	e.t.Helper()
	require.NoError(e.t, e.store.CreateWorkflow(context.Background(), &store.Workflow{
		ID: workflowID, WorkspaceID: workspaceID, Name: "wf",
	}))
}

func (e *testEnv) grant(userID, workspaceID, role string) {
	e.t.Helper()
	require.NoError(e.t, e.store.SetWorkspaceRole(context.Background(), userID, workspaceID, role))
}

func (e *testEnv) token(userID, name string) string {
	e.t.Helper()
	tok, err := e.authSvc.IssueToken(auth.Identity{UserID: userID, Name: name})
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) post(path string, body any) *http.Response {
	e.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(e.t, err)
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial(token string) *testClient {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(e.t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	e.t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: e.t, ws: ws}
}

func (e *testEnv) dialExpectReject(token string) {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(e.t, err)
	require.NotNil(e.t, resp)
	require.Equal(e.t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *testClient) emit(event string, payload any) {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	env := protocol.Envelope{Event: event, Payload: raw}
	require.NoError(c.t, c.ws.WriteJSON(env))
}

// expect reads envelopes until one with the wanted event arrives, skipping
// unrelated broadcasts (presence deltas and the like).
func (c *testClient) expect(event string) json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.ws.SetReadDeadline(deadline)
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %q: %v", event, err)
		}
		if env.Event == event {
			return env.Payload
		}
	}
	c.t.Fatalf("timed out waiting for %q", event)
	return nil
}

// expectNone asserts that the event does not arrive within the window.
func (c *testClient) expectNone(event string, window time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(window)
	for {
		_ = c.ws.SetReadDeadline(deadline)
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return // timeout: nothing arrived
		}
		if env.Event == event {
			c.t.Fatalf("unexpected %q: %s", event, env.Payload)
		}
	}
}

func (c *testClient) joinWorkflow(workflowID string) protocol.JoinedWorkflow {
	c.t.Helper()
	c.emit(protocol.EventJoinWorkflow, protocol.JoinWorkflow{WorkflowID: workflowID})
	var joined protocol.JoinedWorkflow
	require.NoError(c.t, json.Unmarshal(c.expect(protocol.EventJoinedWorkflow), &joined))
	return joined
}

func TestTwoClientEdit(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("alice", "WS1", "edit")
	e.grant("bob", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	b := e.dial(e.token("bob", "Bob"))

	a.joinWorkflow("W1")
	b.joinWorkflow("W1")

	payload, _ := json.Marshal(map[string]any{"id": "b1", "type": "agent", "x": 10.0, "y": 20.0})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation:   "add",
		Target:      "block",
		Payload:     payload,
		OperationID: "op-7",
	})

	var confirmed protocol.OperationConfirmed
	require.NoError(t, json.Unmarshal(a.expect(protocol.EventOperationConfirmed), &confirmed))
	require.Equal(t, "op-7", confirmed.OperationID)
	require.Greater(t, confirmed.ServerTimestamp, int64(0))

	var broadcast protocol.WorkflowOperation
	require.NoError(t, json.Unmarshal(b.expect(protocol.EventWorkflowOp), &broadcast))
	require.Equal(t, "op-7", broadcast.OperationID)
	require.Equal(t, confirmed.ServerTimestamp, broadcast.ServerTimestamp)

	// Durable store contains the block.
	state, err := e.store.WorkflowState(context.Background(), "W1")
	require.NoError(t, err)
	require.Len(t, state.Blocks, 1)
	require.Equal(t, "b1", state.Blocks[0].ID)

	// A second operation gets a strictly later server timestamp.
	payload2, _ := json.Marshal(map[string]any{"id": "b2", "type": "agent", "x": 1.0, "y": 2.0})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "add", Target: "block", Payload: payload2, OperationID: "op-8",
	})
	var confirmed2 protocol.OperationConfirmed
	require.NoError(t, json.Unmarshal(a.expect(protocol.EventOperationConfirmed), &confirmed2))
	require.Greater(t, confirmed2.ServerTimestamp, confirmed.ServerTimestamp)
}

func TestForbiddenOp(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("reader", "WS1", "read")
	e.grant("bob", "WS1", "edit")

	r := e.dial(e.token("reader", "Reader"))
	b := e.dial(e.token("bob", "Bob"))

	joined := r.joinWorkflow("W1")
	require.Equal(t, "read", joined.Role)
	b.joinWorkflow("W1")

	payload, _ := json.Marshal(map[string]any{"id": "b1"})
	r.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "remove", Target: "block", Payload: payload, OperationID: "op-1",
	})

	var forbidden protocol.OperationForbidden
	require.NoError(t, json.Unmarshal(r.expect(protocol.EventOperationForbidden), &forbidden))
	require.Equal(t, "op-1", forbidden.OperationID)

	// No broadcast reaches the room; the store is untouched.
	b.expectNone(protocol.EventWorkflowOp, 150*time.Millisecond)
	state, err := e.store.WorkflowState(context.Background(), "W1")
	require.NoError(t, err)
	require.Empty(t, state.Blocks)
}

func TestOperationConflict(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("alice", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	a.joinWorkflow("W1")

	// An edge whose endpoints do not exist fails the durable precondition.
	payload, _ := json.Marshal(map[string]any{
		"id": "e1", "sourceBlockId": "nope", "targetBlockId": "nada",
	})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "add", Target: "edge", Payload: payload, OperationID: "op-1",
	})

	var failed protocol.OperationFailed
	require.NoError(t, json.Unmarshal(a.expect(protocol.EventOperationFailed), &failed))
	require.Equal(t, "op-1", failed.OperationID)
	require.Contains(t, failed.Error, "conflict")
}

func TestOperationValidation(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("alice", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	a.joinWorkflow("W1")

	// Block add without coordinates is structurally invalid.
	payload, _ := json.Marshal(map[string]any{"id": "b1", "type": "agent"})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "add", Target: "block", Payload: payload, OperationID: "op-1",
	})

	var opErr protocol.OperationError
	require.NoError(t, json.Unmarshal(a.expect(protocol.EventOperationError), &opErr))
	require.Equal(t, "op-1", opErr.OperationID)
}

func TestPositionUpdate_CommitFlag(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("alice", "WS1", "edit")
	e.grant("bob", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	b := e.dial(e.token("bob", "Bob"))
	a.joinWorkflow("W1")
	b.joinWorkflow("W1")

	addPayload, _ := json.Marshal(map[string]any{"id": "b1", "type": "agent", "x": 0.0, "y": 0.0})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "add", Target: "block", Payload: addPayload, OperationID: "op-1",
	})
	a.expect(protocol.EventOperationConfirmed)
	b.expect(protocol.EventWorkflowOp)

	// commit=false broadcasts but does not persist.
	dragPayload, _ := json.Marshal(map[string]any{"id": "b1", "x": 50.0, "y": 60.0, "commit": false})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "update-position", Target: "block", Payload: dragPayload, OperationID: "op-2",
	})
	a.expect(protocol.EventOperationConfirmed)
	b.expect(protocol.EventWorkflowOp)

	state, err := e.store.WorkflowState(context.Background(), "W1")
	require.NoError(t, err)
	require.Equal(t, 0.0, state.Blocks[0].PositionX)

	// commit=true persists.
	finalPayload, _ := json.Marshal(map[string]any{"id": "b1", "x": 50.0, "y": 60.0, "commit": true})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "update-position", Target: "block", Payload: finalPayload, OperationID: "op-3",
	})
	a.expect(protocol.EventOperationConfirmed)

	state, err = e.store.WorkflowState(context.Background(), "W1")
	require.NoError(t, err)
	require.Equal(t, 50.0, state.Blocks[0].PositionX)
	require.Equal(t, 60.0, state.Blocks[0].PositionY)
}

func TestSubblockUpdate(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("alice", "WS1", "edit")
	e.grant("bob", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	b := e.dial(e.token("bob", "Bob"))
	a.joinWorkflow("W1")
	b.joinWorkflow("W1")

	addPayload, _ := json.Marshal(map[string]any{"id": "b1", "type": "agent", "x": 0.0, "y": 0.0})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "add", Target: "block", Payload: addPayload, OperationID: "op-1",
	})
	a.expect(protocol.EventOperationConfirmed)

	a.emit(protocol.EventSubblockUpdate, protocol.SubblockUpdate{
		BlockID:     "b1",
		SubblockID:  "prompt",
		Value:       json.RawMessage(`"hello"`),
		OperationID: "op-2",
	})

	var confirmed protocol.OperationConfirmed
	require.NoError(t, json.Unmarshal(a.expect(protocol.EventOperationConfirmed), &confirmed))
	require.Equal(t, "op-2", confirmed.OperationID)

	var delta protocol.SubblockUpdate
	require.NoError(t, json.Unmarshal(b.expect(protocol.EventSubblockUpdate), &delta))
	require.Equal(t, "b1", delta.BlockID)
	require.Equal(t, "prompt", delta.SubblockID)
	require.NotEmpty(t, delta.SocketID)
}

func TestCursorDelta(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("alice", "WS1", "edit")
	e.grant("bob", "WS1", "read")

	a := e.dial(e.token("alice", "Alice"))
	b := e.dial(e.token("bob", "Bob"))
	a.joinWorkflow("W1")
	b.joinWorkflow("W1")

	a.emit(protocol.EventCursorUpdate, protocol.CursorUpdate{Cursor: &protocol.Cursor{X: 12, Y: 34}})

	var delta protocol.CursorUpdate
	require.NoError(t, json.Unmarshal(b.expect(protocol.EventCursorUpdate), &delta))
	require.Equal(t, "alice", delta.UserID)
	require.NotNil(t, delta.Cursor)
	require.Equal(t, 12.0, delta.Cursor.X)
	require.Equal(t, 34.0, delta.Cursor.Y)
	require.NotEmpty(t, delta.SocketID)
}

func TestRequestSync(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("alice", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	a.joinWorkflow("W1")

	addPayload, _ := json.Marshal(map[string]any{"id": "b1", "type": "agent", "x": 5.0, "y": 6.0})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "add", Target: "block", Payload: addPayload, OperationID: "op-1",
	})
	a.expect(protocol.EventOperationConfirmed)

	a.emit(protocol.EventRequestSync, protocol.RequestSync{WorkflowID: "W1"})

	var state protocol.WorkflowState
	require.NoError(t, json.Unmarshal(a.expect(protocol.EventWorkflowState), &state))
	require.Equal(t, "W1", state.WorkflowID)
	require.Contains(t, state.Blocks, "b1")
	require.Greater(t, state.LastSaved, int64(0))

	// Sync for a workflow the conn is not joined to is rejected.
	a.emit(protocol.EventRequestSync, protocol.RequestSync{WorkflowID: "other"})
	a.expect(protocol.EventOperationError)
}

func TestRevokeDuringSession(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("victim", "WS1", "edit")
	e.grant("bob", "WS1", "edit")

	v := e.dial(e.token("victim", "Victim"))
	b := e.dial(e.token("bob", "Bob"))

	v.emit(protocol.EventJoinWorkspace, protocol.JoinWorkspace{WorkspaceID: "WS1"})
	v.expect(protocol.EventJoinedWorkspace)
	v.joinWorkflow("W1")
	b.joinWorkflow("W1")

	resp := e.post("/api/permission-changed", protocol.PermissionChangedRequest{
		UserID: "victim", WorkspaceID: "WS1", IsRemoved: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var revoked protocol.PermissionRevoked
	require.NoError(t, json.Unmarshal(v.expect(protocol.EventPermissionRevoked), &revoked))
	require.Equal(t, "WS1", revoked.WorkspaceID)

	// The remaining member sees a roster without the victim.
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no presence-update without victim")
		var update protocol.PresenceUpdate
		require.NoError(t, json.Unmarshal(b.expect(protocol.EventPresenceUpdate), &update))
		stillThere := false
		for _, u := range update.Users {
			if u.UserID == "victim" {
				stillThere = true
			}
		}
		if !stillThere {
			break
		}
	}
}

func TestPermissionDowngrade(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("alice", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	a.joinWorkflow("W1")

	resp := e.post("/api/permission-changed", protocol.PermissionChangedRequest{
		UserID: "alice", WorkspaceID: "WS1", NewRole: "read",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var changed protocol.PermissionChanged
	require.NoError(t, json.Unmarshal(a.expect(protocol.EventPermissionChanged), &changed))
	require.Equal(t, "edit", changed.OldRole)
	require.Equal(t, "read", changed.NewRole)

	// The next mutation is rejected with the downgraded role.
	payload, _ := json.Marshal(map[string]any{"id": "b1", "type": "agent", "x": 0.0, "y": 0.0})
	a.emit(protocol.EventWorkflowOp, protocol.WorkflowOperation{
		Operation: "add", Target: "block", Payload: payload, OperationID: "op-1",
	})
	a.expect(protocol.EventOperationForbidden)
}

func TestWorkflowDeleted_Tombstone(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.grant("alice", "WS1", "edit")
	e.grant("bob", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	b := e.dial(e.token("bob", "Bob"))
	a.joinWorkflow("W1")
	b.joinWorkflow("W1")

	resp := e.post("/api/workflow-deleted", protocol.WorkflowDeletedRequest{WorkflowID: "W1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	a.expect(protocol.EventWorkflowDeleted)
	b.expect(protocol.EventWorkflowDeleted)

	// A re-join racing the deletion is denied by the tombstone even though
	// the durable record still exists.
	a.emit(protocol.EventJoinWorkflow, protocol.JoinWorkflow{WorkflowID: "W1"})
	a.expect(protocol.EventJoinWorkflowError)
}

func TestEnvFanout_KeysOnly(t *testing.T) {
	e := newTestEnv(t)
	e.grant("alice", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	a.emit(protocol.EventJoinWorkspace, protocol.JoinWorkspace{WorkspaceID: "WS1"})
	a.expect(protocol.EventJoinedWorkspace)

	resp := e.post("/api/workspace-resource-changed", map[string]any{
		"workspaceId":  "WS1",
		"resourceType": "env",
		"operation":    "update",
		"data":         map[string]any{"keys": []string{"API_KEY", "DB_URL"}, "values": map[string]string{"API_KEY": "s3cret"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw := a.expect(protocol.EventWorkspaceEnvUpdated)
	var event protocol.WorkspaceResourceEvent
	require.NoError(t, json.Unmarshal(raw, &event))
	require.Equal(t, "WS1", event.WorkspaceID)
	require.Equal(t, "update", event.Operation)
	require.NotContains(t, string(event.Data), "s3cret")

	var env protocol.EnvUpdateData
	require.NoError(t, json.Unmarshal(event.Data, &env))
	require.Equal(t, []string{"API_KEY", "DB_URL"}, env.Keys)
}

func TestFolderCascadeFanout(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W2", "WS1")
	e.seedWorkflow("W3", "WS1")
	e.grant("alice", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	a.emit(protocol.EventJoinWorkspace, protocol.JoinWorkspace{WorkspaceID: "WS1"})
	a.expect(protocol.EventJoinedWorkspace)

	resp := e.post("/api/workspace-resource-changed", map[string]any{
		"workspaceId":  "WS1",
		"resourceType": "folders",
		"operation":    "delete",
		"data": map[string]any{
			"folderId":            "F1",
			"deletionStats":       map[string]int{"folders": 1, "workflows": 2},
			"cascadedWorkflowIds": []string{"W2", "W3"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	a.expect(protocol.EventWorkspaceFolderDeleted)

	// One workflow-deleted fanout per cascaded workflow.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		raw := a.expect(protocol.EventWorkspaceWorkflowDeleted)
		var event protocol.WorkspaceResourceEvent
		require.NoError(t, json.Unmarshal(raw, &event))
		var data map[string]string
		require.NoError(t, json.Unmarshal(event.Data, &data))
		seen[data["id"]] = true
	}
	require.True(t, seen["W2"] && seen["W3"], "cascade events: %v", seen)
}

func TestJoinWorkspace_AccessDenied(t *testing.T) {
	e := newTestEnv(t)

	a := e.dial(e.token("stranger", "Stranger"))
	a.emit(protocol.EventJoinWorkspace, protocol.JoinWorkspace{WorkspaceID: "WS1"})

	var joinErr protocol.JoinError
	require.NoError(t, json.Unmarshal(a.expect(protocol.EventJoinWorkspaceError), &joinErr))
	require.Equal(t, "WS1", joinErr.WorkspaceID)

	// The rejection does not disconnect: the socket still answers.
	a.emit(protocol.EventJoinWorkspace, protocol.JoinWorkspace{WorkspaceID: "WS1"})
	a.expect(protocol.EventJoinWorkspaceError)
}

func TestHandshake_AuthRequired(t *testing.T) {
	e := newTestEnv(t)
	e.dialExpectReject("not-a-token")
	e.dialExpectReject("")
}

func TestImplicitLeaveOnSecondJoin(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkflow("W1", "WS1")
	e.seedWorkflow("W2", "WS1")
	e.grant("alice", "WS1", "edit")
	e.grant("bob", "WS1", "edit")

	a := e.dial(e.token("alice", "Alice"))
	b := e.dial(e.token("bob", "Bob"))
	a.joinWorkflow("W1")
	b.joinWorkflow("W1")

	// A hops to W2; B sees a roster without A.
	a.joinWorkflow("W2")

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no presence-update without alice")
		var update protocol.PresenceUpdate
		require.NoError(t, json.Unmarshal(b.expect(protocol.EventPresenceUpdate), &update))
		gone := true
		for _, u := range update.Users {
			if u.UserID == "alice" {
				gone = false
			}
		}
		if gone {
			break
		}
	}
}
