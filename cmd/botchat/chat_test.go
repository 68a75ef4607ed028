package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/botchat/internal/protocol"
)

type handshake struct {
	sessionID string
	auth      string
	msg       protocol.UserMessage
}

// lockedBuffer is written from the reader goroutine and the input loop.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// gatewayStub answers the first user_message with a canned turn and then
// closes the socket normally.
func gatewayStub(t *testing.T) (string, <-chan handshake) {
	t.Helper()
	turns := make(chan handshake, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		auth := r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var msg protocol.UserMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		turns <- handshake{sessionID: sessionID, auth: auth, msg: msg}

		frames := []map[string]any{
			{"type": protocol.TypeTyping, "sessionId": sessionID, "role": "bot"},
			{"type": protocol.TypeTyping, "sessionId": sessionID, "role": "bot"},
			{"type": protocol.TypeAck, "requestId": msg.RequestID, "ok": true},
			{"type": protocol.TypeBotReply, "sessionId": sessionID, "role": "bot", "text": "Hi there", "msgIdx": 1},
			{"type": protocol.TypeAck, "requestId": "j1", "ok": false, "error": "forbidden: admin"},
		}
		for _, f := range frames {
			if err := ws.WriteJSON(f); err != nil {
				return
			}
		}
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.SetReadDeadline(time.Now().Add(time.Second))
		ws.ReadMessage()
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", turns
}

func waitTurn(t *testing.T, turns <-chan handshake) handshake {
	t.Helper()
	select {
	case h := <-turns:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("no user_message received")
		return handshake{}
	}
}

func TestClientSendsTurnAndPrintsReplies(t *testing.T) {
	url, turns := gatewayStub(t)
	var out bytes.Buffer

	client, err := NewClient(url, "cli_1", "tok", &out)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send("hello"))
	got := waitTurn(t, turns)
	assert.Equal(t, "cli_1", got.sessionID)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, protocol.TypeUserMessage, got.msg.Type)
	assert.Equal(t, "cli_1", got.msg.SessionID)
	assert.Equal(t, "hello", got.msg.Text)
	assert.Equal(t, "cli", got.msg.Metadata["channel"])
	assert.True(t, strings.HasPrefix(got.msg.RequestID, "req_"))

	client.ReadMessages()
	assert.Equal(t, "bot is typing...\nbot [#1]: Hi there\n> rejected: forbidden: admin\n> ", out.String())
}

func TestClientRawPrintsEveryFrame(t *testing.T) {
	url, turns := gatewayStub(t)
	var out bytes.Buffer

	client, err := NewClient(url, "cli_1", "", &out)
	require.NoError(t, err)
	defer client.Close()
	client.raw = true

	require.NoError(t, client.Send("hello"))
	assert.Empty(t, waitTurn(t, turns).auth)

	client.ReadMessages()
	var lines []string
	for _, line := range strings.Split(out.String(), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 5)
	assert.Contains(t, lines[3], `"text":"Hi there"`)
}

func TestRunChatReadsStdin(t *testing.T) {
	url, turns := gatewayStub(t)
	chatURL, chatSession, chatToken, chatRaw = url, "cli_2", "", false
	t.Cleanup(func() { chatURL, chatSession, chatToken, chatRaw = "ws://localhost:8080/ws", "", "", false })

	out := &lockedBuffer{}
	chatCmd.SetIn(strings.NewReader("\nhello\n"))
	chatCmd.SetOut(out)
	t.Cleanup(func() {
		chatCmd.SetIn(nil)
		chatCmd.SetOut(nil)
	})

	require.NoError(t, runChat(chatCmd, nil))
	assert.Equal(t, "hello", waitTurn(t, turns).msg.Text)
	assert.Contains(t, out.String(), "as session cli_2")
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bot [#1]: Hi there")
	}, time.Second, 5*time.Millisecond)
}
