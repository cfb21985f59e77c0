package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mattnigh/PyFluff/bluetooth"
	"github.com/mattnigh/PyFluff/protocol"
	"github.com/mattnigh/PyFluff/upload"
	"github.com/mattnigh/PyFluff/utils"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// maxUploadBody caps upload request bodies slightly above the protocol
// limit so oversized content gets a protocol error, not a silent cutoff.
const maxUploadBody = protocol.MaxUploadSize + 1

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// commandStatus maps command issue failures to HTTP status codes:
// validation errors are the client's fault, link errors are not.
func commandStatus(err error) int {
	var ve *protocol.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	if errors.Is(err, bluetooth.ErrNotConnected) {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func (s *Server) issue(w http.ResponseWriter, cmd protocol.Command) {
	if err := s.session.Issue(cmd); err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeOK(w)
}

func slotParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "slot"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.AddClient(conn)

	// Reader loop only notices closure; clients don't send anything.
	go func() {
		defer s.hub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"state":  s.session.State().String(),
		"device": s.session.Device(),
	}
	if job := s.uploads.Active(); job != nil {
		resp["upload"] = job.Progress()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	timeout := s.cfg.Bluetooth.ScanTimeout.Std()
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		timeout = d
	}

	found, err := s.session.Discover(r.Context(), s.cfg.Bluetooth.DeviceName, timeout)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	devices := []bluetooth.Identity{}
	for id := range found {
		devices = append(devices, id)
		if err := s.store.Remember(id); err != nil {
			s.log.Warn().Err(err).Str("address", id.Address).Msg("cache write failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

type connectRequest struct {
	Address    string `json:"address,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	Retries    int    `json:"retries,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	opts := bluetooth.ConnectOptions{
		Timeout:    s.cfg.Bluetooth.ConnectTimeout.Std(),
		Retries:    s.cfg.Bluetooth.ConnectRetries,
		RetryDelay: s.cfg.Bluetooth.RetryDelay.Std(),
		NameFilter: s.cfg.Bluetooth.DeviceName,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.Timeout = d
	}
	if req.Retries > 0 {
		opts.Retries = req.Retries
	}
	if req.RetryDelay != "" {
		d, err := time.ParseDuration(req.RetryDelay)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.RetryDelay = d
	}

	s.hub.Broadcast(utils.WebSocketEvent{
		Type:    utils.EventTypeConnecting,
		Payload: utils.SessionPayload{Address: req.Address, State: "connecting"},
	})
	if err := s.session.Connect(r.Context(), req.Address, opts); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"device": s.session.Device(),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Disconnect(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleKnownDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": s.store.All()})
}

func (s *Server) handleForgetDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Forget(chi.URLParam(r, "address")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleClearDevices(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"names": protocol.Names()})
}

func (s *Server) handleAntenna(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Red   int `json:"red"`
		Green int `json:"green"`
		Blue  int `json:"blue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.issue(w, protocol.SetAntennaColor{Red: req.Red, Green: req.Green, Blue: req.Blue})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input    int `json:"input"`
		Index    int `json:"index"`
		Subindex int `json:"subindex"`
		Specific int `json:"specific"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.issue(w, protocol.TriggerAction{Input: req.Input, Index: req.Index, Subindex: req.Subindex, Specific: req.Specific})
}

type actionStep struct {
	Input    int `json:"input"`
	Index    int `json:"index"`
	Subindex int `json:"subindex"`
	Specific int `json:"specific"`
}

// handleActionSequence runs several actions back to back, pausing between
// them so the device finishes each animation before the next starts. The
// request blocks until the sequence completes or the client goes away.
func (s *Server) handleActionSequence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actions []actionStep `json:"actions"`
		Delay   string       `json:"delay,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Actions) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty action list"))
		return
	}
	delay := 2 * time.Second
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if d < 100*time.Millisecond || d > 30*time.Second {
			writeError(w, http.StatusBadRequest, errors.New("delay must be between 100ms and 30s"))
			return
		}
		delay = d
	}

	for i, a := range req.Actions {
		cmd := protocol.TriggerAction{Input: a.Input, Index: a.Index, Subindex: a.Subindex, Specific: a.Specific}
		if err := s.session.Issue(cmd); err != nil {
			writeJSON(w, commandStatus(err), map[string]interface{}{
				"error":            err.Error(),
				"actions_executed": i,
			})
			return
		}
		if i < len(req.Actions)-1 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				writeError(w, http.StatusBadRequest, r.Context().Err())
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"actions_executed": len(req.Actions),
	})
}

func (s *Server) handleMood(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action int `json:"action"`
		Type   int `json:"type"`
		Value  int `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.issue(w, protocol.SetMoodMeter{
		Action: protocol.MoodAction(req.Action),
		Type:   protocol.MoodType(req.Type),
		Value:  req.Value,
	})
}

func (s *Server) handleSetName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.issue(w, protocol.SetName{ID: req.ID})
}

func (s *Server) handleBacklight(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.issue(w, protocol.SetBacklight{Enabled: req.Enabled})
}

func (s *Server) handleDebugMenu(w http.ResponseWriter, r *http.Request) {
	s.issue(w, protocol.CycleDebugMenu{})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := upload.Options{
		WithAcks:      s.cfg.Upload.AcksEnabled(),
		ChunkDelay:    s.cfg.Upload.ChunkDelay.Std(),
		OverloadDelay: s.cfg.Upload.OverloadDelay.Std(),
		AckWindow:     s.cfg.Upload.AckWindow.Std(),
		OnProgress: func(p upload.Progress) {
			s.hub.Broadcast(utils.WebSocketEvent{Type: utils.EventTypeProgress, Payload: p})
		},
		OnDone: func(job *upload.Job) {
			payload := utils.UploadDonePayload{
				JobID: job.ID.String(),
				Slot:  job.Slot,
				State: job.State().String(),
			}
			if err := job.Err(); err != nil {
				payload.Error = err.Error()
			}
			s.hub.Broadcast(utils.WebSocketEvent{Type: utils.EventTypeUploadDone, Payload: payload})
		},
	}

	// The job outlives the request, so it is not tied to r.Context.
	job, err := s.uploads.Start(context.Background(), slot, content, opts)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID.String(),
		"slot":   job.Slot,
		"chunks": job.TotalChunks,
		"bytes":  job.TotalBytes,
	})
}

func (s *Server) handleUploadProgress(w http.ResponseWriter, r *http.Request) {
	job := s.uploads.Active()
	if job == nil {
		writeError(w, http.StatusNotFound, errors.New("no upload job"))
		return
	}
	writeJSON(w, http.StatusOK, job.Progress())
}

func (s *Server) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	s.uploads.Cancel()
	writeOK(w)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.uploads.Load(slot); err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeOK(w)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Activate(); err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.uploads.Deactivate(slot); err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeOK(w)
}

func (s *Server) handleQuerySlot(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.uploads.Query(slot); err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDeleteSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.uploads.Delete(slot); err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeOK(w)
}
