// Package discord talks to the Discord desktop client over its local IPC
// socket and sets Rich Presence activities.
//
// [Client] owns one connection for one Discord application. Socket discovery
// is platform specific; see conn_unix.go and conn_windows.go.
package discord

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// ///////////////////////////////////////////////
// Errors
// ///////////////////////////////////////////////

// ErrNotConnected is returned when a command is sent without a connection.
var ErrNotConnected = errors.New("not connected")

// CommandError is an ERROR event returned by Discord for a command.
type CommandError struct {
	Cmd     string
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("discord rejected %s: %s (code %d)", e.Cmd, e.Message, e.Code)
}

// ///////////////////////////////////////////////
// Activity
// ///////////////////////////////////////////////

// Button is a clickable link under an activity. Discord allows two.
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Timestamps holds the activity start as Unix seconds.
type Timestamps struct {
	Start int64 `json:"start,omitempty"`
}

// Assets holds image keys or URLs and their tooltips.
type Assets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}

// Activity is the SET_ACTIVITY payload.
type Activity struct {
	Details    string      `json:"details,omitempty"`
	State      string      `json:"state,omitempty"`
	Timestamps *Timestamps `json:"timestamps,omitempty"`
	Assets     *Assets     `json:"assets,omitempty"`
	Buttons    []Button    `json:"buttons,omitempty"`
}

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// replyTimeout bounds how long the client waits for a handshake or command
// reply before treating the connection as dead.
const replyTimeout = 5 * time.Second

// Client is a connection to Discord's IPC socket for one application.
type Client struct {
	// appID is the Discord application (OAuth2 client) ID.
	appID string
	// dial opens the IPC socket. Tests replace it with a pipe.
	dial func() (net.Conn, error)

	// mu guards conn and nonce.
	mu sync.Mutex
	// conn is nil while disconnected.
	conn net.Conn
	// nonce tags each command so its reply can be matched.
	nonce uint64
}

// NewClient returns a disconnected client for appID.
func NewClient(appID string) *Client {
	return &Client{appID: appID, dial: connectToDiscord}
}

// Connect opens the IPC socket and performs the handshake. It is a no-op when
// a connection already exists.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	return c.open()
}

// Reconnect drops any existing connection and opens a fresh one. Discord can
// restart between updates, so callers reconnect before every SetActivity.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
	return c.open()
}

// SetActivity replaces the displayed activity and waits for Discord's reply.
func (c *Client) SetActivity(a *Activity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command("SET_ACTIVITY", map[string]any{"pid": os.Getpid(), "activity": a}, true)
}

// Close clears the activity without waiting for a reply and closes the
// socket. Closing a disconnected client is not an error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.command("SET_ACTIVITY", map[string]any{"pid": os.Getpid(), "activity": nil}, false)
	err := c.conn.Close()
	c.conn = nil
	return err
}

// open dials and handshakes. The caller holds c.mu.
func (c *Client) open() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.conn = conn
	if err := c.handshake(); err != nil {
		c.drop()
		return err
	}
	return nil
}

// drop closes the connection without clearing the activity. The caller
// holds c.mu.
func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// reply is the subset of an IPC response the client inspects.
type reply struct {
	Cmd   string `json:"cmd"`
	Evt   string `json:"evt"`
	Nonce string `json:"nonce"`
	Data  struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"data"`
}

// handshake sends the version/client_id frame and expects READY. The caller
// holds c.mu.
func (c *Client) handshake() error {
	payload, err := json.Marshal(map[string]any{"v": 1, "client_id": c.appID})
	if err != nil {
		return fmt.Errorf("marshaling handshake: %w", err)
	}
	if err := c.write(OpHandshake, payload); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	op, r, err := c.read()
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	if op != OpFrame {
		return fmt.Errorf("unexpected handshake response opcode: %d", op)
	}
	if r.Evt == "ERROR" {
		return &CommandError{Cmd: "HANDSHAKE", Code: r.Data.Code, Message: r.Data.Message}
	}
	return nil
}

// command sends cmd and, when wait is set, reads frames until the reply with
// the matching nonce arrives. The caller holds c.mu.
func (c *Client) command(cmd string, args map[string]any, wait bool) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.nonce++
	nonce := strconv.FormatUint(c.nonce, 10)

	payload, err := json.Marshal(map[string]any{"cmd": cmd, "args": args, "nonce": nonce})
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}
	if err := c.write(OpFrame, payload); err != nil {
		c.drop()
		return fmt.Errorf("writing command: %w", err)
	}
	if !wait {
		return nil
	}

	for {
		op, r, err := c.read()
		if err != nil {
			c.drop()
			return fmt.Errorf("reading %s reply: %w", cmd, err)
		}
		if op == OpClose {
			c.drop()
			return fmt.Errorf("discord closed the connection: %s", r.Data.Message)
		}
		if r.Nonce != nonce {
			continue
		}
		if r.Evt == "ERROR" {
			return &CommandError{Cmd: cmd, Code: r.Data.Code, Message: r.Data.Message}
		}
		return nil
	}
}

func (c *Client) write(op Opcode, payload []byte) error {
	frame, err := EncodeFrame(op, payload)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	_, err = c.conn.Write(frame)
	return err
}

func (c *Client) read() (Opcode, reply, error) {
	var r reply
	_ = c.conn.SetReadDeadline(time.Now().Add(replyTimeout))
	op, data, err := DecodeFrame(c.conn)
	if err != nil {
		return 0, r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return 0, r, fmt.Errorf("parsing response: %w", err)
	}
	return op, r, nil
}
