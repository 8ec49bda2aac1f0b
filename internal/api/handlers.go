package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/olahol/melody"
	"tools.zach/dev/gamecord/internal/logger"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/state"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
	maxBodyBytes    = 1 << 10
)

// ///////////////////////////////////////////////
// Services
// ///////////////////////////////////////////////

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.State.Services())
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	var req enabledRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}

	if err := s.opts.State.SetEnabled(kind, *req.Enabled); err != nil {
		if errors.Is(err, state.ErrUnknownService) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Warn("toggling service", "service", kind, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.opts.State.Status(kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAuthorize drops the credential and any sign-in in flight so the next
// tick authorizes again. force=1 also asks the provider to show its login
// prompt.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	s.reauthorize(w, r, kind)
}

func (s *Server) reauthorize(w http.ResponseWriter, r *http.Request, kind service.Kind) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if force {
		s.opts.State.RequestReauthorize(kind)
	} else {
		s.opts.State.ClearCredential(kind)
		s.opts.State.CancelAuthorization(kind)
	}
	s.logger.Info("reauthorization requested", "service", kind, "force", force)
	w.WriteHeader(http.StatusAccepted)
}

func kindParam(w http.ResponseWriter, r *http.Request) (service.Kind, bool) {
	kind, err := service.ParseKind(chi.URLParam(r, "kind"))
	if err == nil && !kind.Polled() {
		err = fmt.Errorf("%s is not a polled service", kind)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return 0, false
	}
	return kind, true
}

// ///////////////////////////////////////////////
// Twitch
// ///////////////////////////////////////////////

func (s *Server) handleTwitch(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.State.Twitch())
}

func (s *Server) handleSetTwitchEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	if err := s.opts.State.SetTwitchEnabled(*req.Enabled); err != nil {
		s.logger.Warn("toggling twitch link", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.opts.State.Twitch())
}

// handleTwitchAuthorize drops the Twitch link so the linker signs in again.
func (s *Server) handleTwitchAuthorize(w http.ResponseWriter, r *http.Request) {
	s.reauthorize(w, r, service.Twitch)
}

// ///////////////////////////////////////////////
// Presence and Logs
// ///////////////////////////////////////////////

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.State.Presences())
}

type logsResponse struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		n = min(v, maxLogLines)
	}

	lines, err := logger.ReadTail(s.opts.LogPath, n)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("reading log tail", "error", err)
		writeError(w, http.StatusInternalServerError, "could not read log file")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Lines: lines})
}

// ///////////////////////////////////////////////
// Exit
// ///////////////////////////////////////////////

func (s *Server) handleExit(w http.ResponseWriter, _ *http.Request) {
	s.logger.Info("exit requested over api")
	w.WriteHeader(http.StatusAccepted)
	s.opts.State.Exit()
}

// ///////////////////////////////////////////////
// Websocket
// ///////////////////////////////////////////////

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.HandleRequest(w, r); err != nil {
		s.logger.Debug("websocket request", "error", err)
	}
}

type snapshotMessage struct {
	Kind     string                `json:"kind"`
	Services []state.ServiceStatus `json:"services"`
}

// handleWSConnect sends a new session the current status of every service.
func (s *Server) handleWSConnect(session *melody.Session) {
	data, err := json.Marshal(snapshotMessage{Kind: "snapshot", Services: s.opts.State.Services()})
	if err != nil {
		s.logger.Error("marshalling snapshot", "error", err)
		return
	}
	if err := session.Write(data); err != nil {
		s.logger.Debug("sending snapshot", "error", err)
	}
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
