package api

import (
	"time"

	"homeport/internal/entity"
)

// bridgeDTO is the wire shape of a bridge row. The private key and
// pairing records never leave the process.
type bridgeDTO struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	PinCode         string `json:"pin_code"`
	Port            int    `json:"port"`
	Category        int    `json:"category"`
	DeviceID        string `json:"device_id"`
	SetupID         string `json:"setup_id"`
	ConfigVersion   int    `json:"config_version"`
	StatusFlag      string `json:"status_flag"`
	Pairings        int    `json:"pairings"`
	Disabled        bool   `json:"disabled"`
	SingleAccessory bool   `json:"single_accessory"`
	Running         bool   `json:"running"`
	CreatedAt       string `json:"created_at"`
	UpdateAt        string `json:"update_at"`
}

func (s *Server) toBridgeDTO(b entity.Bridge) bridgeDTO {
	running := false
	if s.hap != nil {
		running = s.hap.IsRunning(b.ID)
	}
	return bridgeDTO{
		ID:              b.ID,
		Name:            b.Name,
		PinCode:         entity.FormatPin(b.PinCode),
		Port:            b.Port,
		Category:        b.Category,
		DeviceID:        b.DeviceID,
		SetupID:         b.SetupID,
		ConfigVersion:   b.ConfigVersion,
		StatusFlag:      string(b.StatusFlag),
		Pairings:        len(b.Pairings),
		Disabled:        b.Disabled,
		SingleAccessory: b.SingleAccessory,
		Running:         running,
		CreatedAt:       fmtTime(b.CreatedAt),
		UpdateAt:        fmtTime(b.UpdateAt),
	}
}

// deviceDTO is the wire shape of a device row.
type deviceDTO struct {
	ID        int64          `json:"id"`
	Tag       string         `json:"tag"`
	Type      string         `json:"type"`
	GatewayID *int64         `json:"gateway_id,omitempty"`
	Platform  string         `json:"platform"`
	SourceID  string         `json:"source_id"`
	Name      string         `json:"name"`
	Disabled  bool           `json:"disabled"`
	Params    map[string]any `json:"params,omitempty"`
	TempID    *string        `json:"temp_id,omitempty"`
	Running   bool           `json:"running"`
	CreatedAt string         `json:"created_at"`
	UpdateAt  string         `json:"update_at"`
}

func (s *Server) toDeviceDTO(d entity.Device) deviceDTO {
	return deviceDTO{
		ID:        d.ID,
		Tag:       d.Tag,
		Type:      string(d.Type),
		GatewayID: d.GatewayID,
		Platform:  d.Platform,
		SourceID:  d.SourceID,
		Name:      d.Name,
		Disabled:  d.Disabled,
		Params:    d.Params,
		TempID:    d.TempID,
		Running:   s.devices.IsRunning(d.ID),
		CreatedAt: fmtTime(d.CreatedAt),
		UpdateAt:  fmtTime(d.UpdateAt),
	}
}

// accessoryDTO is the wire shape of an accessory row.
type accessoryDTO struct {
	Aid       int64                    `json:"aid"`
	Name      string                   `json:"name"`
	Tag       string                   `json:"tag"`
	DeviceID  int64                    `json:"device_id"`
	BridgeID  int64                    `json:"bridge_id"`
	Disabled  bool                     `json:"disabled"`
	Category  int                      `json:"category"`
	Delegates []entity.DelegateBinding `json:"delegates,omitempty"`
	Memo      string                   `json:"memo,omitempty"`
	Info      map[string]any           `json:"info,omitempty"`
	TempID    *string                  `json:"temp_id,omitempty"`
	CreatedAt string                   `json:"created_at"`
	UpdateAt  string                   `json:"update_at"`
}

func toAccessoryDTO(a entity.Accessory) accessoryDTO {
	return accessoryDTO{
		Aid:       a.Aid,
		Name:      a.Name,
		Tag:       a.Tag,
		DeviceID:  a.DeviceID,
		BridgeID:  a.BridgeID,
		Disabled:  a.Disabled,
		Category:  a.Category,
		Delegates: a.Delegates,
		Memo:      a.Memo,
		Info:      a.Info,
		TempID:    a.TempID,
		CreatedAt: fmtTime(a.CreatedAt),
		UpdateAt:  fmtTime(a.UpdateAt),
	}
}

// serviceDTO is the wire shape of a service row plus its characteristics.
type serviceDTO struct {
	ID             int64     `json:"id"`
	AccessoryID    int64     `json:"accessory_id"`
	Tag            string    `json:"tag"`
	ServiceType    string    `json:"service_type"`
	ConfiguredName string    `json:"configured_name,omitempty"`
	Primary        bool      `json:"primary"`
	Disabled       bool      `json:"disabled"`
	Chars          []charDTO `json:"characteristics,omitempty"`
}

// charDTO is the wire shape of a characteristic row.
type charDTO struct {
	Cid             int64           `json:"cid"`
	ServiceID       int64           `json:"service_id"`
	CharType        string          `json:"char_type"`
	Disabled        bool            `json:"disabled"`
	Name            string          `json:"name"`
	Info            entity.CharInfo `json:"info"`
	Convertor       string          `json:"convertor,omitempty"`
	ConvertorParams map[string]any  `json:"convertor_params,omitempty"`
	Memo            string          `json:"memo,omitempty"`
}

func toServiceDTO(s entity.Service, chars []entity.Characteristic) serviceDTO {
	dto := serviceDTO{
		ID:             s.ID,
		AccessoryID:    s.AccessoryID,
		Tag:            s.Tag,
		ServiceType:    s.ServiceType,
		ConfiguredName: s.ConfiguredName,
		Primary:        s.Primary,
		Disabled:       s.Disabled,
	}
	for _, c := range chars {
		dto.Chars = append(dto.Chars, charDTO{
			Cid:             c.Cid,
			ServiceID:       c.ServiceID,
			CharType:        c.CharType,
			Disabled:        c.Disabled,
			Name:            c.Name,
			Info:            c.Info,
			Convertor:       c.Convertor,
			ConvertorParams: c.ConvertorParams,
			Memo:            c.Memo,
		})
	}
	return dto
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
