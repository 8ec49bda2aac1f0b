package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"tools.zach/dev/gamecord/internal/paths"
	"tools.zach/dev/gamecord/internal/presence"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/state"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

func TestResolveVersionWithLdflags(t *testing.T) {
	original := version
	defer func() { version = original }()

	version = "1.2.3"
	if got := resolveVersion(); got != "1.2.3" {
		t.Errorf("resolveVersion() = %q, want %q", got, "1.2.3")
	}
}

func TestResolveVersionDev(t *testing.T) {
	original := version
	defer func() { version = original }()

	version = "dev"
	if got := resolveVersion(); !strings.HasPrefix(got, "dev") {
		t.Errorf("resolveVersion() = %q, want a dev version", got)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if strings.TrimSpace(out.String()) != resolveVersion() {
		t.Errorf("version output = %q", out.String())
	}
}

// ///////////////////////////////////////////////
// PID Lock
// ///////////////////////////////////////////////

func TestNewTokenUnique(t *testing.T) {
	a, b := newToken(), newToken()
	if a == b {
		t.Errorf("newToken() returned %q twice", a)
	}
	if len(a) != 16 {
		t.Errorf("len(newToken()) = %d, want 16", len(a))
	}
}

func TestAcquirePIDWritesPIDAndToken(t *testing.T) {
	dir := paths.DataDir{Root: t.TempDir()}
	lock, err := acquirePID(dir)
	if err != nil {
		t.Fatalf("acquirePID() error: %v", err)
	}
	defer lock.release()

	// Read through the open handle; Windows locks block os.ReadFile.
	if _, err := lock.f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := lock.f.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("%d:%s", os.Getpid(), lock.token)
	if string(buf[:n]) != want {
		t.Errorf("PID file = %q, want %q", buf[:n], want)
	}
}

func TestAcquirePIDTwice(t *testing.T) {
	dir := paths.DataDir{Root: t.TempDir()}
	lock, err := acquirePID(dir)
	if err != nil {
		t.Fatalf("acquirePID() error: %v", err)
	}
	defer lock.release()

	if _, err := acquirePID(dir); !errors.Is(err, errAlreadyRunning) {
		t.Errorf("second acquirePID() = %v, want errAlreadyRunning", err)
	}
}

func TestReleaseRemovesOwnFile(t *testing.T) {
	dir := paths.DataDir{Root: t.TempDir()}
	lock, err := acquirePID(dir)
	if err != nil {
		t.Fatal(err)
	}
	lock.release()
	if _, err := os.Stat(dir.PID()); !os.IsNotExist(err) {
		t.Error("PID file still exists after release")
	}
	lock.release()
}

func TestReleaseKeepsForeignFile(t *testing.T) {
	dir := paths.DataDir{Root: t.TempDir()}
	lock, err := acquirePID(dir)
	if err != nil {
		t.Fatal(err)
	}
	lock.unlock()
	if err := os.WriteFile(dir.PID(), []byte("1:someone-else"), 0o600); err != nil {
		t.Fatal(err)
	}
	lock.release()
	if _, err := os.Stat(dir.PID()); err != nil {
		t.Errorf("foreign PID file removed: %v", err)
	}
}

func TestRunningPID(t *testing.T) {
	dir := paths.DataDir{Root: t.TempDir()}
	if _, alive := runningPID(dir); alive {
		t.Error("runningPID() alive with no PID file")
	}

	if err := os.WriteFile(dir.PID(), []byte("99999:stale"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, alive := runningPID(dir); alive {
		t.Error("runningPID() alive for an unlocked PID file")
	}
	if _, err := os.Stat(dir.PID()); !os.IsNotExist(err) {
		t.Error("stale PID file not removed")
	}
}

// ///////////////////////////////////////////////
// Wiring
// ///////////////////////////////////////////////

func TestAPIBaseURL(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{"127.0.0.1:3000", "http://localhost:3000"},
		{":3000", "http://localhost:3000"},
		{"0.0.0.0:8080", "http://localhost:8080"},
		{"[::1]:3000", "http://localhost:3000"},
		{"192.168.1.5:3000", "http://192.168.1.5:3000"},
		{"", "http://localhost:3000"},
	}
	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			if got := apiBaseURL(tt.listen); got != tt.want {
				t.Errorf("apiBaseURL(%q) = %q, want %q", tt.listen, got, tt.want)
			}
		})
	}
}

func TestWriteDefaultConfigKeepsExisting(t *testing.T) {
	dir := paths.DataDir{Root: t.TempDir()}
	if err := writeDefaultConfig(dir.Config()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir.Config(), []byte("version = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeDefaultConfig(dir.Config()); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(dir.Config())
	if string(data) != "version = 2\n" {
		t.Errorf("existing config overwritten: %q", data)
	}
}

func TestNewAppRegistersEveryService(t *testing.T) {
	a, err := newApp(paths.DataDir{Root: t.TempDir()}, false)
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	defer a.close()

	got := a.registry.Registered()
	if len(got) != len(service.Kinds) {
		t.Errorf("registered %v, want %v", got, service.Kinds)
	}
	if n := len(a.loops()); n != len(service.Kinds) {
		t.Errorf("built %d loops, want %d", n, len(service.Kinds))
	}
	if a.twitch == nil || a.linker() == nil {
		t.Error("twitch link not wired")
	}
}

func TestServicesCommandJSON(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"services", "--json", "--data-dir", t.TempDir()})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	var got []state.ServiceStatus
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if len(got) != 3 {
		t.Errorf("got %d services, want 3", len(got))
	}
}

func TestWriteServicesTable(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	statuses := []state.ServiceStatus{
		{Kind: service.Xbox, Enabled: true, Authorized: true, Account: "Gamer", Presence: &presence.Presence{Details: "Halo"}},
		{Kind: service.Steam, LastError: "services.steam requires api_key"},
	}
	if err := writeServices(cmd, statuses, false); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[1], "Halo") || !strings.Contains(lines[1], "Gamer") {
		t.Errorf("xbox row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "requires api_key") {
		t.Errorf("steam row = %q", lines[2])
	}
}

func TestAuthorizeRejectsUnknownService(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"authorize", "nintendo", "--data-dir", t.TempDir()})
	if err := cmd.Execute(); err == nil {
		t.Error("Execute() = nil for an unknown service")
	}
}
