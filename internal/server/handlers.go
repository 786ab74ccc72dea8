package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cchalm/codesmith/internal/ai"
	"github.com/cchalm/codesmith/internal/chat"
	"github.com/cchalm/codesmith/internal/codestore"
	"github.com/cchalm/codesmith/internal/telemetry"
)

const sseKeepAlive = 30 * time.Second

type modifyCodeRequest struct {
	Messages []ai.Message `json:"messages"`
}

type codeBody struct {
	ReactCode string `json:"reactCode"`
}

type imageRequest struct {
	ImageData string `json:"image_data"`
	Prompt    string `json:"prompt"`
	MediaType string `json:"media_type,omitempty"`
}

type codeEvent struct {
	ReactCode string `json:"reactCode"`
	Version   uint64 `json:"version"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleModifyCode(w http.ResponseWriter, r *http.Request) {
	var req modifyCodeRequest
	if err := s.decode(w, r, s.modifyCode, &req); err != nil {
		s.logger.Debug().Err(err).Msg("rejected modify-code request")
		writeError(w, http.StatusBadRequest, "Messages are required for modification.")
		return
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != ai.RoleUser {
		writeError(w, http.StatusBadRequest, "The last message must be from the user.")
		return
	}
	history := ai.Conversation(req.Messages[:len(req.Messages)-1])

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = telemetry.NewSessionID()
	}

	rc := http.NewResponseController(w)
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set(SessionHeader, sessionID)
		w.WriteHeader(http.StatusOK)
	}

	result, err := s.registry.Submit(r.Context(), sessionID, chat.TurnRequest{
		Instruction: last.Content,
		History:     history,
		Observer: chat.Observer{
			OnFragment: func(text string) {
				start()
				if _, err := io.WriteString(w, text); err != nil {
					s.registry.Abandon(sessionID)
					return
				}
				_ = rc.Flush()
			},
		},
	})
	if err != nil {
		if started {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("aborting modify-code stream")
			panic(http.ErrAbortHandler)
		}
		status, msg := turnErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("modify-code failed")
		}
		w.Header().Set(SessionHeader, sessionID)
		writeError(w, status, msg)
		return
	}

	start()
	s.logger.Info().
		Str("session_id", sessionID).
		Str("turn_id", result.TurnID).
		Str("outcome", result.Outcome.String()).
		Msg("modify-code finished")
}

// turnErrorStatus maps a failed turn to an HTTP status and a client-facing message
func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrTurnInProgress):
		return http.StatusConflict, "A modification is already in progress for this session."
	case errors.Is(err, ai.ErrNoBaseCode):
		return http.StatusNotFound, "No React code found in the save-code API."
	case chat.IsClientError(err):
		return http.StatusBadRequest, "Messages are required for modification."
	}
	return http.StatusInternalServerError, "Failed to process request to modify the code."
}

func (s *Server) handleGetCode(w http.ResponseWriter, _ *http.Request) {
	code, ok := s.slot.Get()
	if !ok {
		writeError(w, http.StatusNotFound, "No saved code found.")
		return
	}
	writeJSON(w, http.StatusOK, codeBody{ReactCode: code})
}

func (s *Server) handleSaveCode(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if err := s.decode(w, r, s.saveCode, &body); err != nil {
		writeError(w, http.StatusBadRequest, "React code is required.")
		return
	}

	version, err := s.slot.Set(body.ReactCode)
	if errors.Is(err, codestore.ErrEmptyCode) {
		writeError(w, http.StatusBadRequest, "React code is required.")
		return
	} else if err != nil {
		s.logger.Error().Err(err).Msg("failed to set code")
		writeError(w, http.StatusInternalServerError, "Failed to save React code.")
		return
	}

	if s.persister != nil {
		if err := s.persister.Save(r.Context(), codestore.Update{Code: body.ReactCode, Version: version}); err != nil {
			s.metrics.PersistFailed()
			s.logger.Error().Err(err).Uint64("version", version).Msg("failed to persist saved code")
			writeError(w, http.StatusInternalServerError, "Failed to save React code.")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "React code saved successfully!"})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if err := s.decode(w, r, s.image, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Image data and prompt are required.")
		return
	}

	text, err := s.backend.DescribeImage(r.Context(), ai.ImageRequest{
		Model:     s.cfg.ImageModel,
		MaxTokens: s.cfg.ImageMaxTokens,
		MediaType: req.MediaType,
		ImageData: req.ImageData,
		Prompt:    req.Prompt,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("image request failed")
		writeError(w, http.StatusInternalServerError, "Failed to process request to Anthropic API.")
		return
	}
	writeJSON(w, http.StatusOK, codeBody{ReactCode: ai.StripCodeFence(text)})
}

// handleCodeEvents streams the current code, then every committed change, as server-sent events
func (s *Server) handleCodeEvents(w http.ResponseWriter, r *http.Request) {
	updates, cancel := s.slot.Subscribe()
	defer cancel()

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if code, ok := s.slot.Get(); ok {
		if err := writeEvent(w, codeEvent{ReactCode: code, Version: s.slot.Version()}); err != nil {
			return
		}
	}
	if err := rc.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, codeEvent{ReactCode: u.Code, Version: u.Version}); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.registry.Lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown session.")
		return
	}
	md, err := ctrl.Transcript()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to render transcript")
		writeError(w, http.StatusInternalServerError, "Failed to render transcript.")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = io.WriteString(w, md)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, hasCode := s.slot.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"has_code": hasCode,
		"sessions": s.registry.Len(),
	})
}

// decode reads the body, validates it against v and unmarshals it into dst
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v *validator, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := v.validate(body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

func writeEvent(w io.Writer, ev codeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: code\nid: %d\ndata: %s\n\n", ev.Version, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
