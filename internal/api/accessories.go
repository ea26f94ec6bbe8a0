package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"homeport/internal/entity"
)

func (s *Server) handleListAccessories(w http.ResponseWriter, r *http.Request) {
	var (
		accessories []entity.Accessory
		err         error
	)
	switch {
	case r.URL.Query().Get("bridge_id") != "":
		id, ok := queryID(r, "bridge_id")
		if !ok {
			writeBadRequest(w, "invalid bridge_id")
			return
		}
		accessories, err = s.repo.ListAccessoriesByBridge(r.Context(), id)
	case r.URL.Query().Get("device_id") != "":
		id, ok := queryID(r, "device_id")
		if !ok {
			writeBadRequest(w, "invalid device_id")
			return
		}
		accessories, err = s.repo.ListAccessoriesByDevice(r.Context(), id)
	default:
		accessories, err = s.repo.ListAccessories(r.Context())
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]accessoryDTO, 0, len(accessories))
	for _, a := range accessories {
		out = append(out, toAccessoryDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

type createAccessoryRequest struct {
	Name      string                   `json:"name"`
	Tag       string                   `json:"tag"`
	DeviceID  int64                    `json:"device_id"`
	BridgeID  int64                    `json:"bridge_id"`
	Disabled  bool                     `json:"disabled"`
	Category  int                      `json:"category"`
	Delegates []entity.DelegateBinding `json:"delegates"`
	Memo      string                   `json:"memo"`
	Info      map[string]any           `json:"info"`
}

func (s *Server) handleCreateAccessory(w http.ResponseWriter, r *http.Request) {
	var req createAccessoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Tag == "" || req.DeviceID == 0 || req.BridgeID == 0 {
		writeBadRequest(w, "tag, device_id and bridge_id are required")
		return
	}

	a := &entity.Accessory{
		Name:      req.Name,
		Tag:       req.Tag,
		DeviceID:  req.DeviceID,
		BridgeID:  req.BridgeID,
		Disabled:  req.Disabled,
		Category:  req.Category,
		Delegates: req.Delegates,
		Memo:      req.Memo,
		Info:      req.Info,
	}
	if err := s.repo.CreateAccessory(r.Context(), a); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccessoryDTO(*a))
}

func (s *Server) handleGetAccessory(w http.ResponseWriter, r *http.Request) {
	aid, ok := idParam(r, "aid")
	if !ok {
		writeBadRequest(w, "invalid accessory id")
		return
	}
	a, err := s.repo.GetAccessory(r.Context(), aid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccessoryDTO(*a))
}

type updateAccessoryRequest struct {
	Name      *string                   `json:"name"`
	Tag       *string                   `json:"tag"`
	BridgeID  *int64                    `json:"bridge_id"`
	Disabled  *bool                     `json:"disabled"`
	Category  *int                      `json:"category"`
	Delegates *[]entity.DelegateBinding `json:"delegates"`
	Memo      *string                   `json:"memo"`
	Info      *map[string]any           `json:"info"`
}

// handleUpdateAccessory patches an accessory row. Changes take effect
// when the owning bridge next restarts.
func (s *Server) handleUpdateAccessory(w http.ResponseWriter, r *http.Request) {
	aid, ok := idParam(r, "aid")
	if !ok {
		writeBadRequest(w, "invalid accessory id")
		return
	}
	var req updateAccessoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	a, err := s.repo.GetAccessory(r.Context(), aid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.Tag != nil {
		a.Tag = *req.Tag
	}
	if req.BridgeID != nil {
		a.BridgeID = *req.BridgeID
	}
	if req.Disabled != nil {
		a.Disabled = *req.Disabled
	}
	if req.Category != nil {
		a.Category = *req.Category
	}
	if req.Delegates != nil {
		a.Delegates = *req.Delegates
	}
	if req.Memo != nil {
		a.Memo = *req.Memo
	}
	if req.Info != nil {
		a.Info = *req.Info
	}

	if err := s.repo.UpdateAccessory(r.Context(), a); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccessoryDTO(*a))
}

func (s *Server) handleDeleteAccessory(w http.ResponseWriter, r *http.Request) {
	aid, ok := idParam(r, "aid")
	if !ok {
		writeBadRequest(w, "invalid accessory id")
		return
	}
	if err := s.repo.DeleteAccessory(r.Context(), aid); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	aid, ok := idParam(r, "aid")
	if !ok {
		writeBadRequest(w, "invalid accessory id")
		return
	}
	services, err := s.repo.ListServicesByAccessory(r.Context(), aid)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]serviceDTO, 0, len(services))
	for _, svc := range services {
		chars, err := s.repo.ListCharacteristicsByService(r.Context(), svc.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		out = append(out, toServiceDTO(svc, chars))
	}
	writeJSON(w, http.StatusOK, out)
}

type upsertServiceRequest struct {
	Tag            string `json:"tag"`
	ServiceType    string `json:"service_type"`
	ConfiguredName string `json:"configured_name"`
	Primary        bool   `json:"primary"`
	Chars          []struct {
		CharType        string          `json:"char_type"`
		Name            string          `json:"name"`
		Info            entity.CharInfo `json:"info"`
		Convertor       string          `json:"convertor"`
		ConvertorParams map[string]any  `json:"convertor_params"`
	} `json:"characteristics"`
}

// handleUpsertService inserts or refreshes one service and its
// characteristics, keyed the same way the template engine keys them.
func (s *Server) handleUpsertService(w http.ResponseWriter, r *http.Request) {
	aid, ok := idParam(r, "aid")
	if !ok {
		writeBadRequest(w, "invalid accessory id")
		return
	}
	var req upsertServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Tag == "" || req.ServiceType == "" {
		writeBadRequest(w, "tag and service_type are required")
		return
	}
	if _, err := s.repo.GetAccessory(r.Context(), aid); err != nil {
		writeDomainError(w, err)
		return
	}

	svc := &entity.Service{
		AccessoryID:    aid,
		Tag:            req.Tag,
		ServiceType:    req.ServiceType,
		ConfiguredName: req.ConfiguredName,
		Primary:        req.Primary,
	}
	sid, err := s.repo.UpsertService(r.Context(), svc)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var chars []entity.Characteristic
	for _, c := range req.Chars {
		row := entity.Characteristic{
			ServiceID:       sid,
			CharType:        c.CharType,
			Name:            c.Name,
			Info:            c.Info,
			Convertor:       c.Convertor,
			ConvertorParams: c.ConvertorParams,
		}
		if _, err := s.repo.UpsertCharacteristic(r.Context(), &row); err != nil {
			writeDomainError(w, err)
			return
		}
		chars = append(chars, row)
	}
	writeJSON(w, http.StatusOK, toServiceDTO(*svc, chars))
}

// queryID parses an int64 query parameter.
func queryID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return id, err == nil && id > 0
}
