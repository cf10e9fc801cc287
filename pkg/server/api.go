package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/pkg/export"
	"github.com/binaryjack/formular-dev-tools/pkg/history"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/registry"
)

// maxBodySize caps API request bodies.
const maxBodySize = 1 << 20

var (
	errBadRequest = errors.New("server: bad request")
	errNoStore    = errors.New("server: export store not configured")
)

// HistoryResponse is the body of GET /api/sessions/{id}/history.
type HistoryResponse struct {
	Session registry.SessionInfo `json:"session"`
	Records []export.Record      `json:"records"`
}

// SeekRequest moves the replay cursor. Exactly one of Position and Step
// is set; Step is "forward" or "backward".
type SeekRequest struct {
	Position *int   `json:"position,omitempty"`
	Step     string `json:"step,omitempty"`
}

// RestoreRequest names the history position to make live.
type RestoreRequest struct {
	Position int `json:"position"`
}

// RequestRequest asks the form host to validate or submit.
type RequestRequest struct {
	Kind   protocol.Kind `json:"kind"`
	Fields []string      `json:"fields,omitempty"`
}

// ExportResponse is the body of POST /api/sessions/{id}/export.
type ExportResponse struct {
	Key string `json:"key"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Sessions:    len(s.reg.Sessions()),
		Connections: s.Connections(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Sessions())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.reg.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) forgetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Forget(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.reg.Session(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.reg.History(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Session: info, Records: export.Records(entries)})
}

func (s *Server) getDiff(w http.ResponseWriter, r *http.Request) {
	from, err1 := strconv.Atoi(r.URL.Query().Get("from"))
	to, err2 := strconv.Atoi(r.URL.Query().Get("to"))
	if err := errors.Join(err1, err2); err != nil {
		s.writeError(w, fmt.Errorf("%w: from and to must be integers", errBadRequest))
		return
	}
	d, err := s.reg.Diff(chi.URLParam(r, "id"), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) seek(w http.ResponseWriter, r *http.Request) {
	var req SeekRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")

	var (
		entry history.Entry
		err   error
	)
	switch {
	case req.Position != nil && req.Step == "":
		entry, err = s.reg.Seek(id, *req.Position)
	case req.Position == nil && req.Step == "forward":
		entry, err = s.reg.StepForward(id)
	case req.Position == nil && req.Step == "backward":
		entry, err = s.reg.StepBackward(id)
	default:
		err = fmt.Errorf("%w: set either position or step (forward|backward)", errBadRequest)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export.NewRecord(entry))
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.reg.Restore(chi.URLParam(r, "id"), req.Position)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export.NewRecord(entry))
}

func (s *Server) request(w http.ResponseWriter, r *http.Request) {
	var req RequestRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.reg.SendRequest(chi.URLParam(r, "id"), req.Kind, req.Fields...); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) exportHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, errNoStore)
		return
	}
	key, err := export.Export(r.Context(), s.reg, chi.URLParam(r, "id"), s.store)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("history exported", "session_id", chi.URLParam(r, "id"), "key", key)
	writeJSON(w, http.StatusCreated, ExportResponse{Key: key})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: fderrors.CodeOf(err)})
}

func statusOf(err error) int {
	var rangeErr *history.ReplayRangeError
	switch {
	case errors.Is(err, registry.ErrSessionNotFound), errors.Is(err, export.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNotConnected), errors.Is(err, registry.ErrInvalidState):
		return http.StatusConflict
	case errors.As(err, &rangeErr), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errNoStore):
		return http.StatusNotImplemented
	case errors.Is(err, registry.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
