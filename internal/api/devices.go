package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"homeport/internal/device"
	"homeport/internal/entity"
	"homeport/internal/miio"
)

// probeTimeout bounds one property probe round trip.
const probeTimeout = 10 * time.Second

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.repo.ListDevices(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]deviceDTO, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.toDeviceDTO(d))
	}
	writeJSON(w, http.StatusOK, out)
}

type createDeviceRequest struct {
	Tag       string         `json:"tag"`
	Type      string         `json:"type"`
	GatewayID *int64         `json:"gateway_id"`
	Platform  string         `json:"platform"`
	SourceID  string         `json:"source_id"`
	Name      string         `json:"name"`
	Disabled  bool           `json:"disabled"`
	Params    map[string]any `json:"params"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Tag == "" || req.Type == "" || req.SourceID == "" {
		writeBadRequest(w, "tag, type and source_id are required")
		return
	}

	d := &entity.Device{
		Tag:       req.Tag,
		Type:      entity.DeviceType(req.Type),
		GatewayID: req.GatewayID,
		Platform:  req.Platform,
		SourceID:  req.SourceID,
		Name:      req.Name,
		Disabled:  req.Disabled,
		Params:    req.Params,
	}
	if err := s.repo.CreateDevice(r.Context(), d); err != nil {
		writeDomainError(w, err)
		return
	}
	if !d.Disabled {
		if err := s.devices.StartDevice(r.Context(), *d); err != nil {
			s.logger.Warn("new device failed to start", "device", d.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, s.toDeviceDTO(*d))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	d, err := s.repo.GetDevice(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toDeviceDTO(*d))
}

type updateDeviceRequest struct {
	Tag       *string         `json:"tag"`
	GatewayID *int64          `json:"gateway_id"`
	Name      *string         `json:"name"`
	Disabled  *bool           `json:"disabled"`
	Params    *map[string]any `json:"params"`
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d, err := s.repo.GetDevice(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Tag != nil {
		d.Tag = *req.Tag
	}
	if req.GatewayID != nil {
		d.GatewayID = req.GatewayID
	}
	if req.Name != nil {
		d.Name = *req.Name
	}
	if req.Disabled != nil {
		d.Disabled = *req.Disabled
	}
	if req.Params != nil {
		d.Params = *req.Params
	}

	if err := s.repo.UpdateDevice(r.Context(), d); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.devices.RestartDevice(r.Context(), id); err != nil &&
		!errors.Is(err, device.ErrNotInstalled) {
		s.logger.Warn("device restart after update failed", "device", id, "error", err)
	}
	writeJSON(w, http.StatusOK, s.toDeviceDTO(*d))
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	if err := s.devices.StopDevice(id); err != nil && !errors.Is(err, device.ErrNotInstalled) {
		writeDomainError(w, err)
		return
	}
	if err := s.repo.DeleteDevice(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleDeviceStatus reports whether the device's run task is installed
// and healthy.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	if _, err := s.repo.GetDevice(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"running": s.devices.IsRunning(id),
	})
}

func (s *Server) handleRestartDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	if err := s.devices.RestartDevice(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restarted": id})
}

type probeRequest struct {
	Props []miio.Property `json:"props"`
}

// handleProbeDevice reads raw MIoT properties straight from the device,
// bypassing the accessory layer. Useful when writing templates.
func (s *Server) handleProbeDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	var req probeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Props) == 0 {
		writeBadRequest(w, "props is required")
		return
	}

	runner, err := s.devices.Runner(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	miot, err := device.AsMiotDevice(runner)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	values, err := miot.GetProperties(r.Context(), req.Props, probeTimeout)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"props": values})
}

func (s *Server) handleListMiDevices(w http.ResponseWriter, r *http.Request) {
	records, err := s.repo.ListMiDevices(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Tokens stay server-side; expose only what template writers need.
	out := make([]map[string]any, 0, len(records))
	for _, m := range records {
		out = append(out, map[string]any{
			"did":      m.Did,
			"model":    m.Model,
			"mac":      m.MAC,
			"local_ip": m.LocalIP,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type upsertMiDeviceRequest struct {
	Token   string         `json:"token"`
	Model   string         `json:"model"`
	MAC     string         `json:"mac"`
	LocalIP string         `json:"local_ip"`
	Account string         `json:"account"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleUpsertMiDevice(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	if did == "" {
		writeBadRequest(w, "invalid did")
		return
	}
	var req upsertMiDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	m := &entity.MiDevice{
		Did:     did,
		Token:   req.Token,
		Model:   req.Model,
		MAC:     req.MAC,
		LocalIP: req.LocalIP,
		Account: req.Account,
		Payload: req.Payload,
	}
	if err := s.repo.UpsertMiDevice(r.Context(), m); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"did": did})
}
