package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/containment-core/internal/brokerconfig"
)

// brokerConfigRequest is the body of create, update and test calls.
// Password is write-only and never echoed back.
type brokerConfigRequest struct {
	Name             string `json:"name"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	TLS              bool   `json:"tls"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	ClientID         string `json:"client_id"`
	KeepAliveSeconds int    `json:"keep_alive_seconds"`
	UseEnvironment   bool   `json:"use_environment"`
	Description      string `json:"description"`
	Active           bool   `json:"active"`
}

func (b brokerConfigRequest) toConfig() brokerconfig.Config {
	return brokerconfig.Config{
		Name:           b.Name,
		Host:           b.Host,
		Port:           b.Port,
		TLS:            b.TLS,
		Username:       b.Username,
		Password:       b.Password,
		ClientID:       b.ClientID,
		KeepAlive:      time.Duration(b.KeepAliveSeconds) * time.Second,
		UseEnvironment: b.UseEnvironment,
		Description:    b.Description,
		Active:         b.Active,
	}
}

// brokerRepo writes 503 and returns nil when stored configs are disabled.
func (s *Server) brokerRepo(w http.ResponseWriter) brokerconfig.Repository {
	if s.brokers == nil {
		writeUnavailable(w, "broker configuration storage is not enabled")
		return nil
	}
	return s.brokers
}

func decodeBrokerConfig(w http.ResponseWriter, r *http.Request) (brokerconfig.Config, bool) {
	var req brokerConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return brokerconfig.Config{}, false
	}
	return req.toConfig(), true
}

func configID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "invalid broker config id")
		return 0, false
	}
	return id, true
}

// handleListBrokerConfigs lists stored broker configurations.
func (s *Server) handleListBrokerConfigs(w http.ResponseWriter, r *http.Request) {
	repo := s.brokerRepo(w)
	if repo == nil {
		return
	}
	configs, err := repo.List(r.Context())
	if err != nil {
		s.logger.Error("listing broker configs", "error", err)
		writeInternalError(w, "failed to list broker configs")
		return
	}
	if configs == nil {
		configs = []brokerconfig.Config{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configs": configs,
		"count":   len(configs),
	})
}

// handleCreateBrokerConfig stores a new broker configuration.
func (s *Server) handleCreateBrokerConfig(w http.ResponseWriter, r *http.Request) {
	repo := s.brokerRepo(w)
	if repo == nil {
		return
	}
	cfg, ok := decodeBrokerConfig(w, r)
	if !ok {
		return
	}
	if err := repo.Create(r.Context(), &cfg); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("broker config created", "id", cfg.ID, "name", cfg.Name, "active", cfg.Active)
	writeJSON(w, http.StatusCreated, cfg)
}

// handleGetBrokerConfig returns one stored configuration.
func (s *Server) handleGetBrokerConfig(w http.ResponseWriter, r *http.Request) {
	repo := s.brokerRepo(w)
	if repo == nil {
		return
	}
	id, ok := configID(w, r)
	if !ok {
		return
	}
	cfg, err := repo.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleUpdateBrokerConfig replaces a stored configuration's fields.
// Activation is changed only through the activate route.
func (s *Server) handleUpdateBrokerConfig(w http.ResponseWriter, r *http.Request) {
	repo := s.brokerRepo(w)
	if repo == nil {
		return
	}
	id, ok := configID(w, r)
	if !ok {
		return
	}
	cfg, ok := decodeBrokerConfig(w, r)
	if !ok {
		return
	}
	cfg.ID = id
	if err := repo.Update(r.Context(), &cfg); err != nil {
		writeDomainError(w, err)
		return
	}
	updated, err := repo.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("broker config updated", "id", id)
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteBrokerConfig removes a stored configuration.
func (s *Server) handleDeleteBrokerConfig(w http.ResponseWriter, r *http.Request) {
	repo := s.brokerRepo(w)
	if repo == nil {
		return
	}
	id, ok := configID(w, r)
	if !ok {
		return
	}
	if err := repo.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("broker config deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleActivateBrokerConfig makes one configuration the active one.
// The new endpoint takes effect on the next start.
func (s *Server) handleActivateBrokerConfig(w http.ResponseWriter, r *http.Request) {
	repo := s.brokerRepo(w)
	if repo == nil {
		return
	}
	id, ok := configID(w, r)
	if !ok {
		return
	}
	if err := repo.SetActive(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	cfg, err := repo.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("broker config activated", "id", id, "name", cfg.Name)
	writeJSON(w, http.StatusOK, map[string]any{
		"config":           cfg,
		"restart_required": true,
	})
}

// handleTestBrokerConfig dials the given broker once without storing it.
func (s *Server) handleTestBrokerConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := decodeBrokerConfig(w, r)
	if !ok {
		return
	}
	if err := brokerconfig.TestConnection(r.Context(), cfg, s.baseEP, s.dial); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"broker":  cfg.Apply(s.baseEP).Address(),
	})
}

// handleEffectiveBrokerConfig reports which endpoint the service would dial.
func (s *Server) handleEffectiveBrokerConfig(w http.ResponseWriter, r *http.Request) {
	eff, err := brokerconfig.Resolve(r.Context(), s.brokers, s.baseEP)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	body := map[string]any{
		"source": eff.Source,
		"broker": eff.Endpoint.Address(),
		"tls":    eff.Endpoint.TLS,
	}
	if eff.ConfigID != 0 {
		body["config_id"] = eff.ConfigID
	}
	if s.primary != nil {
		body["connected_to"] = s.primary.Endpoint().Address()
	}
	writeJSON(w, http.StatusOK, body)
}
