package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/botchat/internal/protocol"
)

var (
	chatURL     string
	chatSession string
	chatToken   string
	chatRaw     bool

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with the bot over the websocket gateway",
		Long:  `Reads lines from stdin, sends each as a user_message and prints replies as they arrive.`,
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}
)

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "ws://localhost:8080/ws", "Gateway websocket URL")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Session id (random when empty)")
	chatCmd.Flags().StringVar(&chatToken, "token", "", "Bearer token for a verified identity")
	chatCmd.Flags().BoolVar(&chatRaw, "raw", false, "Print every frame as JSON")
}

// Client is a websocket chat client.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	out       io.Writer
	raw       bool
}

// NewClient connects to the gateway and joins sessionID.
func NewClient(addr, sessionID, token string, out io.Writer) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()

	header := map[string][]string{}
	if token != "" {
		header["Authorization"] = []string{"Bearer " + token}
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn, sessionID: sessionID, out: out}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Send sends one user turn.
func (c *Client) Send(text string) error {
	msg := protocol.UserMessage{
		BaseMessage: protocol.NewBase(protocol.TypeUserMessage, c.sessionID),
		Text:        text,
		Metadata:    map[string]any{"channel": "cli"},
	}
	msg.RequestID = "req_" + uuid.NewString()[:8]
	return c.conn.WriteJSON(msg)
}

// ReadMessages prints frames until the connection closes.
func (c *Client) ReadMessages() {
	typing := false
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fmt.Fprintf(c.out, "\nconnection closed: %v\n", err)
			}
			return
		}
		if c.raw {
			fmt.Fprintf(c.out, "%s\n", data)
			continue
		}

		var frame struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Text    string `json:"text"`
			Delta   string `json:"delta"`
			MsgIdx  int64  `json:"msgIdx"`
			OK      bool   `json:"ok"`
			Error   string `json:"error"`
			Code    string `json:"code"`
			Message any    `json:"message"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case protocol.TypeTyping:
			if frame.Role == "bot" && !typing {
				typing = true
				fmt.Fprint(c.out, "bot is typing...\n")
			}
		case protocol.TypeBotReply:
			typing = false
			fmt.Fprintf(c.out, "bot [#%d]: %s\n> ", frame.MsgIdx, frame.Text)
		case protocol.TypeBotChunk:
			fmt.Fprint(c.out, frame.Delta)
		case protocol.TypeBotDone:
			typing = false
			fmt.Fprint(c.out, "\n> ")
		case protocol.TypeAck:
			if !frame.OK {
				fmt.Fprintf(c.out, "rejected: %s\n> ", frame.Error)
			}
		case protocol.TypeError:
			fmt.Fprintf(c.out, "error [%s]: %v\n> ", frame.Code, frame.Message)
		}
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	sessionID := chatSession
	if sessionID == "" {
		sessionID = "cli_" + uuid.NewString()[:8]
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Connecting to %s as session %s...\n", chatURL, sessionID)
	client, err := NewClient(chatURL, sessionID, chatToken, out)
	if err != nil {
		return err
	}
	defer client.Close()
	client.raw = chatRaw

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.ReadMessages()
	}()

	fmt.Fprint(out, "Connected. Type a message, Ctrl-D to quit.\n> ")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		if err := client.Send(text); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	// Give a pending reply a moment before closing.
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}
	return scanner.Err()
}

