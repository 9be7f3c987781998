package worker

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aima-platform/corral/pkg/types"
)

func dialHarness(t *testing.T, h *Harness, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.Addr()+ControlPath, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func startTestHarness(t *testing.T, behavior Behavior) *Harness {
	t.Helper()
	h := NewHarness("secret-token", behavior)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

// readUntilTerminal drains frames until completed or failed, returning the
// terminal frame and everything seen before it.
func readUntilTerminal(t *testing.T, conn *websocket.Conn, timeout time.Duration) (Message, []Message) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []Message
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == MessageCompleted || msg.Type == MessageFailed {
			return msg, seen
		}
		seen = append(seen, msg)
	}
}

func TestHarnessRejectsBadToken(t *testing.T) {
	h := startTestHarness(t, Behavior{})

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+h.Addr()+ControlPath, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHarnessHappyPath(t *testing.T) {
	h := startTestHarness(t, Behavior{RunFor: 200 * time.Millisecond, HeartbeatEvery: 50 * time.Millisecond})
	conn := dialHarness(t, h, "secret-token")

	job := &types.Job{ID: "job-1", Kind: types.JobKindInference}
	require.NoError(t, conn.WriteJSON(Message{
		Type:            MessageStart,
		Job:             job,
		ResultUploadURI: "s3://corral-results",
	}))

	terminal, seen := readUntilTerminal(t, conn, 3*time.Second)
	assert.Equal(t, MessageCompleted, terminal.Type)
	assert.Equal(t, "s3://corral-results/job-1/result.json", terminal.ResultRef)

	var heartbeats, progresses int
	for _, m := range seen {
		switch m.Type {
		case MessageHeartbeat:
			heartbeats++
		case MessageProgress:
			progresses++
			assert.Greater(t, m.Pct, 0)
			assert.Less(t, m.Pct, 100)
		}
	}
	assert.Greater(t, heartbeats, 0)
	assert.Greater(t, progresses, 0)
}

func TestHarnessFailureInjection(t *testing.T) {
	h := startTestHarness(t, Behavior{
		RunFor:      100 * time.Millisecond,
		FailClass:   types.ErrClassRetryable,
		FailMessage: "CUDA out of memory",
	})
	conn := dialHarness(t, h, "secret-token")

	require.NoError(t, conn.WriteJSON(Message{Type: MessageStart, Job: &types.Job{ID: "job-2"}}))
	terminal, _ := readUntilTerminal(t, conn, 3*time.Second)
	assert.Equal(t, MessageFailed, terminal.Type)
	assert.Equal(t, types.ErrClassRetryable, terminal.Class)
	assert.Equal(t, "CUDA out of memory", terminal.Text)
}

func TestHarnessCancel(t *testing.T) {
	h := startTestHarness(t, Behavior{RunFor: 10 * time.Second})
	conn := dialHarness(t, h, "secret-token")

	require.NoError(t, conn.WriteJSON(Message{Type: MessageStart, Job: &types.Job{ID: "job-3"}}))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(Message{Type: MessageCancel}))

	terminal, _ := readUntilTerminal(t, conn, 3*time.Second)
	assert.Equal(t, MessageFailed, terminal.Type)
	assert.Equal(t, types.ErrClassPermanent, terminal.Class)
	assert.Contains(t, terminal.Text, "cancelled")
}

func TestHarnessGoesSilent(t *testing.T) {
	h := startTestHarness(t, Behavior{
		RunFor:         10 * time.Second,
		HeartbeatEvery: 20 * time.Millisecond,
		SilenceAfter:   150 * time.Millisecond,
	})
	conn := dialHarness(t, h, "secret-token")

	require.NoError(t, conn.WriteJSON(Message{Type: MessageStart, Job: &types.Job{ID: "job-4"}}))

	// Heartbeats arrive, then stop for good.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageHeartbeat, msg.Type)

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			break // read deadline: the worker is mute
		}
	}
}

func TestHarnessPingPong(t *testing.T) {
	h := startTestHarness(t, Behavior{})
	conn := dialHarness(t, h, "secret-token")

	require.NoError(t, conn.WriteJSON(Message{Type: MessagePing}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageHeartbeat, msg.Type)
}
