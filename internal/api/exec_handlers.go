package api

import (
	"net/http"
)

// handleExec upgrades to an interactive terminal. Once the upgrade happens
// the gateway owns the connection and Serve returns nil.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	s.logger.Debug("exec", "session_id", id, "request_id", requestID(r.Context()))
	if err := s.terminal.Serve(w, r, claimsFrom(r.Context()), id); err != nil {
		s.logger.Warn("exec", "session_id", id, "error", err)
		writeAPIError(w, err)
	}
}
