package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"homeport/internal/entity"
	"homeport/internal/hapkit"
)

// defaultBridgePort is the first port probed for a new bridge when the
// caller does not pick one.
const defaultBridgePort = 51826

// idParam parses a chi URL parameter as an int64 row id.
func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	bridges, err := s.repo.ListBridges(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]bridgeDTO, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, s.toBridgeDTO(b))
	}
	writeJSON(w, http.StatusOK, out)
}

type createBridgeRequest struct {
	Name     string `json:"name"`
	Port     int    `json:"port"`
	PinCode  string `json:"pin_code"`
	Category int    `json:"category"`
	Disabled bool   `json:"disabled"`
}

func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	var req createBridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	port := req.Port
	if port == 0 {
		var err error
		port, err = s.repo.NextFreePort(r.Context(), defaultBridgePort)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}

	b, err := entity.NewBridge(req.Name, port, req.PinCode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Category != 0 {
		b.Category = req.Category
	}
	b.Disabled = req.Disabled

	if err := s.repo.CreateBridge(r.Context(), b); err != nil {
		writeDomainError(w, err)
		return
	}
	if !b.Disabled && s.hap != nil {
		if err := s.hap.PushServer(r.Context(), b.ID); err != nil {
			s.logger.Warn("new bridge failed to start", "bridge", b.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, s.toBridgeDTO(*b))
}

func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid bridge id")
		return
	}
	b, err := s.repo.GetBridge(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toBridgeDTO(*b))
}

type updateBridgeRequest struct {
	Name     *string `json:"name"`
	Category *int    `json:"category"`
	Disabled *bool   `json:"disabled"`
	MaxPeers *int    `json:"max_peers"`
}

// handleUpdateBridge patches mutable bridge fields. Identity fields
// (pin, port, keys, device id) are fixed at creation; pairing state only
// changes through the reset endpoint.
func (s *Server) handleUpdateBridge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid bridge id")
		return
	}
	var req updateBridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	b, err := s.repo.GetBridge(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Name != nil {
		b.Name = *req.Name
	}
	if req.Category != nil {
		b.Category = *req.Category
	}
	if req.Disabled != nil {
		b.Disabled = *req.Disabled
	}
	if req.MaxPeers != nil {
		b.MaxPeers = *req.MaxPeers
	}

	if err := s.repo.UpdateBridge(r.Context(), b); err != nil {
		writeDomainError(w, err)
		return
	}
	if s.hap != nil {
		if err := s.hap.RestartBridge(r.Context(), id); err != nil {
			s.logger.Warn("bridge restart after update failed", "bridge", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, s.toBridgeDTO(*b))
}

func (s *Server) handleDeleteBridge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid bridge id")
		return
	}
	if s.hap != nil && s.hap.IsRunning(id) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "bridge is running")
		return
	}
	if err := s.repo.DeleteBridge(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleBridgeSetup returns the pairing material a controller needs: the
// formatted pin, the setup QR URI and the mDNS setup hash.
func (s *Server) handleBridgeSetup(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid bridge id")
		return
	}
	b, err := s.repo.GetBridge(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pin_code":   entity.FormatPin(b.PinCode),
		"setup_id":   b.SetupID,
		"setup_hash": hapkit.ComputeSetupHash(b.SetupID, b.DeviceID),
		"setup_uri":  hapkit.SetupURI(b.PinCode, b.Category, b.SetupID),
	})
}

func (s *Server) handleRestartBridge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid bridge id")
		return
	}
	if s.hap == nil {
		writeInternalError(w, "hap manager not available")
		return
	}
	if err := s.hap.RestartBridge(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restarted": id})
}

// handleResetBridge clears the bridge's pairings, returns it to
// not_paired and restarts it.
func (s *Server) handleResetBridge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeBadRequest(w, "invalid bridge id")
		return
	}
	if s.hap == nil {
		writeInternalError(w, "hap manager not available")
		return
	}
	if err := s.hap.Reset(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": id})
}
