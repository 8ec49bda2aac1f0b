package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tools.zach/dev/gamecord/internal/paths"
)

// ///////////////////////////////////////////////
// PID Lock
// ///////////////////////////////////////////////

// errAlreadyRunning is returned by acquirePID while another daemon holds the
// lock.
var errAlreadyRunning = errors.New("daemon already running")

// pidLock is the single-instance lock. The file holds "PID:TOKEN" and stays
// open, locked, for the daemon's lifetime.
type pidLock struct {
	path  string
	token string
	f     *os.File
}

// newToken returns 16 random hex characters. The token lets release tell
// its own file apart from one written by a later instance.
func newToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// acquirePID locks dir's PID file and records this process in it. A lock
// held by a live process yields errAlreadyRunning with its PID.
func acquirePID(dir paths.DataDir) (*pidLock, error) {
	if pid, alive := runningPID(dir); alive {
		return nil, fmt.Errorf("%w (pid %d)", errAlreadyRunning, pid)
	}

	f, err := os.OpenFile(dir.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", errAlreadyRunning, err)
	}

	l := &pidLock{path: dir.PID(), token: newToken(), f: f}
	if err := f.Truncate(0); err != nil {
		l.unlock()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d:%s", os.Getpid(), l.token); err != nil {
		l.unlock()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return l, nil
}

func (l *pidLock) unlock() {
	if l.f == nil {
		return
	}
	_ = unlockFile(l.f)
	l.f.Close()
	l.f = nil
}

// release unlocks the file and removes it if it still carries our token.
func (l *pidLock) release() {
	if l == nil {
		return
	}
	l.unlock()
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	if _, token, ok := strings.Cut(string(data), ":"); ok && token == l.token {
		os.Remove(l.path)
	}
}

// runningPID reports the PID of a live daemon holding dir's lock. A PID
// file left behind by a dead daemon is removed.
func runningPID(dir paths.DataDir) (pid int, alive bool) {
	f, err := os.OpenFile(dir.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return 0, false
	}
	if err := lockFile(f); err != nil {
		data, _ := os.ReadFile(dir.PID())
		f.Close()
		head, _, _ := strings.Cut(string(data), ":")
		pid, _ = strconv.Atoi(head)
		return pid, true
	}

	_ = unlockFile(f)
	f.Close()
	os.Remove(dir.PID())
	return 0, false
}
