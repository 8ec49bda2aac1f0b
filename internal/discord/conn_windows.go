// conn_windows.go implements Discord IPC socket discovery for Windows.
// Discord listens on named pipes (\\.\pipe\discord-ipc-N), dialed with
// the go-winio library.

//go:build windows

package discord

import (
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// ///////////////////////////////////////////////
// Connection
// ///////////////////////////////////////////////

// connectToDiscord dials the first \\.\pipe\discord-ipc-N that accepts.
func connectToDiscord() (net.Conn, error) {
	timeout := 250 * time.Millisecond
	for i := range maxIPCSlots {
		conn, err := winio.DialPipe(fmt.Sprintf(`\\.\pipe\discord-ipc-%d`, i), &timeout)
		if err == nil {
			return conn, nil
		}
	}
	return nil, ErrIPCNotAvailable
}
