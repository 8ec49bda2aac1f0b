// Package credstore persists service credentials between daemon runs so a
// restart does not send the user back through every sign-in.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"tools.zach/dev/gamecord/internal/atomicfile"
	"tools.zach/dev/gamecord/internal/service"
)

// fileVersion is the on-disk format version.
const fileVersion = 1

// file is the on-disk layout.
type file struct {
	Version     int                                   `json:"version"`
	Credentials map[service.Kind]*service.Credential `json:"credentials"`
}

// Store reads and writes the credentials file. The file holds bearer
// tokens and is written owner-only.
type Store struct {
	path string
	// mu serializes writers within the process.
	mu sync.Mutex
}

// New returns a Store backed by path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load returns the saved credentials. A missing file yields an empty map.
func (s *Store) Load() (map[service.Kind]*service.Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[service.Kind]*service.Credential{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing credentials %s: %w", s.path, err)
	}
	if f.Version > fileVersion {
		return nil, fmt.Errorf("credentials file version %d is newer than supported %d", f.Version, fileVersion)
	}
	if f.Credentials == nil {
		f.Credentials = map[service.Kind]*service.Credential{}
	}
	for k, c := range f.Credentials {
		if c == nil || c.Token == "" {
			delete(f.Credentials, k)
			continue
		}
		c.Kind = k
	}
	return f.Credentials, nil
}

// Save replaces the file with creds. Nil entries are omitted.
func (s *Store) Save(creds map[service.Kind]*service.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := file{Version: fileVersion, Credentials: make(map[service.Kind]*service.Credential, len(creds))}
	for k, c := range creds {
		if c != nil {
			out.Credentials[k] = c
		}
	}
	if err := atomicfile.WriteJSON(s.path, out, 0o600); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}
