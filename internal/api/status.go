package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/containment-core/internal/liveness"
	"github.com/nerrad567/containment-core/internal/telemetry"
)

// connectionStatus describes one broker connection.
type connectionStatus struct {
	DeviceID  string `json:"device_id"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Broker    string `json:"broker,omitempty"`
}

// handleHealth reports the process and shared broker connection state.
// It returns 503 when the shared connection is configured but down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	status := http.StatusOK

	if s.primary != nil {
		body["broker"] = s.primary.State().String()
		if err := s.primary.HealthCheck(r.Context()); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

// handleListConnections lists the shared connection and every device session.
func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	conns := make([]connectionStatus, 0)
	if s.primary != nil {
		conns = append(conns, connectionStatus{
			DeviceID:  PrimaryDeviceID,
			State:     s.primary.State().String(),
			Connected: s.primary.IsConnected(),
			Broker:    s.primary.Endpoint().Address(),
		})
	}
	if s.registry != nil {
		for _, id := range s.registry.Devices() {
			sess, ok := s.registry.Get(id)
			if !ok {
				continue
			}
			conns = append(conns, connectionStatus{
				DeviceID:  id,
				State:     sess.Conn.State().String(),
				Connected: sess.Conn.IsConnected(),
				Broker:    sess.Conn.Endpoint().Address(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"count":       len(conns),
	})
}

// handleReleaseDevice tears down a device's dedicated connection.
// The device's topic goes with it, so its liveness drifts to Offline until
// POST on the same path binds it again.
func (s *Server) handleReleaseDevice(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeUnavailable(w, "per-device connections are not enabled")
		return
	}
	id := chi.URLParam(r, "deviceID")
	if err := s.registry.Release(id); err != nil {
		if errors.Is(err, telemetry.ErrUnknownDevice) {
			writeNotFound(w, "no connection for device "+id)
			return
		}
		writeDomainError(w, err)
		return
	}
	s.logger.Info("device connection released", "device_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleBindDevice restores a released device session. Binding a device
// that already has a session is a no-op.
func (s *Server) handleBindDevice(w http.ResponseWriter, r *http.Request) {
	if s.binder == nil {
		writeUnavailable(w, "per-device connections are not enabled")
		return
	}
	id := chi.URLParam(r, "deviceID")
	if err := s.binder.BindDevice(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("device connection bound", "device_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListLiveness lists every tracked device, optionally filtered by
// ?status=Online|Offline|Unknown.
func (s *Server) handleListLiveness(w http.ResponseWriter, r *http.Request) {
	records := s.tracker.List()

	if want := r.URL.Query().Get("status"); want != "" {
		filtered := records[:0]
		for _, rec := range records {
			if strings.EqualFold(string(rec.Status), want) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []liveness.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": records,
		"count":   len(records),
	})
}

// handleOnlineMap returns device id -> online for ?ids=a,b,c, or every
// tracked device when ids is omitted.
func (s *Server) handleOnlineMap(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if raw := r.URL.Query().Get("ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	} else {
		for _, rec := range s.tracker.List() {
			ids = append(ids, rec.DeviceID)
		}
	}
	writeJSON(w, http.StatusOK, s.tracker.OnlineMap(ids))
}

// handleGetLiveness returns one device's liveness record.
func (s *Server) handleGetLiveness(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	rec, ok := s.tracker.Get(id)
	if !ok {
		writeNotFound(w, "device "+id+" is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleResetLiveness returns a device to Unknown.
func (s *Server) handleResetLiveness(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	if _, ok := s.tracker.Get(id); !ok {
		writeNotFound(w, "device "+id+" is not tracked")
		return
	}
	s.tracker.Reset(id)
	rec, _ := s.tracker.Get(id)
	writeJSON(w, http.StatusOK, rec)
}
