package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"homeport/internal/template"
)

// templateDTO is the wire shape of a loaded template summary.
type templateDTO struct {
	ID       string `json:"id"`
	Version  int    `json:"version"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Model    string `json:"model"`
	Devices  int    `json:"devices"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	if s.templates == nil {
		writeJSON(w, http.StatusOK, []templateDTO{})
		return
	}
	list := s.templates.List()
	out := make([]templateDTO, 0, len(list))
	for _, t := range list {
		out = append(out, templateDTO{
			ID:       t.ID,
			Version:  t.Version,
			Name:     t.Name,
			Platform: t.Platform,
			Model:    t.Model,
			Devices:  len(t.Devices),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type applyTemplateRequest struct {
	SourceID    string `json:"source_id"`
	SourceName  string `json:"source_name"`
	SourceModel string `json:"source_model"`
	Mode        string `json:"mode"`
	BridgeID    *int64 `json:"bridge_id"`
	GatewayID   *int64 `json:"gateway_id"`
}

// handleApplyTemplate materializes a template for one source record.
// Newly created devices start immediately; newly created singer bridges
// are pushed after the transaction commits.
func (s *Server) handleApplyTemplate(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil || s.applier == nil {
		writeInternalError(w, "template engine not available")
		return
	}

	tpl, err := s.templates.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req applyTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.SourceID == "" {
		writeBadRequest(w, "source_id is required")
		return
	}
	mode := template.Mode(req.Mode)
	if mode != template.ModeParent && mode != template.ModeSinger {
		writeBadRequest(w, "mode must be parent or singer")
		return
	}

	res, err := s.applier.Apply(r.Context(), tpl, template.Input{
		SourceID:    req.SourceID,
		SourceName:  req.SourceName,
		SourceModel: req.SourceModel,
		Mode:        mode,
		BridgeID:    req.BridgeID,
		GatewayID:   req.GatewayID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	for _, id := range res.DeviceIDs {
		d, err := s.repo.GetDevice(r.Context(), id)
		if err != nil || d.Disabled {
			continue
		}
		if err := s.devices.StartDevice(r.Context(), *d); err != nil {
			s.logger.Warn("templated device failed to start", "device", id, "error", err)
		}
	}
	if s.hap != nil {
		for _, id := range res.BridgeIDs {
			if err := s.hap.PushServer(r.Context(), id); err != nil {
				s.logger.Warn("templated bridge failed to start", "bridge", id, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, res)
}
