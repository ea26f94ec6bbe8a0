package template

import (
	"fmt"

	"homeport/internal/entity"
)

// Template is one declarative device description, loaded from
// <dir>/<platform>/<model>.toml. Templates are read-only after load.
type Template struct {
	ID       string           `toml:"id"`
	Version  int              `toml:"version"`
	Name     string           `toml:"name"`
	Model    string           `toml:"model"`
	Devices  []DeviceTemplate `toml:"devices"`
	Platform string           `toml:"-"` // directory name, set by the loader
}

// DeviceTemplate materializes one device row plus its accessories.
type DeviceTemplate struct {
	Tag         string              `toml:"tag"`
	Type        string              `toml:"type"`
	Name        string              `toml:"name"`
	Params      map[string]any      `toml:"params"`
	Accessories []AccessoryTemplate `toml:"accessories"`
}

// AccessoryTemplate materializes one accessory row.
type AccessoryTemplate struct {
	Tag       string             `toml:"tag"`
	Name      string             `toml:"name"`
	Category  int                `toml:"category"`
	Memo      string             `toml:"memo"`
	Info      map[string]any     `toml:"info"`
	Delegates []DelegateTemplate `toml:"delegates"`
	Services  []ServiceTemplate  `toml:"services"`
}

// DelegateTemplate is one entry of the accessory's ordered delegate
// binding list.
type DelegateTemplate struct {
	Model  string         `toml:"model"`
	Params map[string]any `toml:"params"`
	Chars  []CharRef      `toml:"chars"`
}

// CharRef scopes a delegate binding by service tag and HAP type.
type CharRef struct {
	ServiceTag string `toml:"stag"`
	CharType   string `toml:"ctype"`
}

// ServiceTemplate materializes one service row.
type ServiceTemplate struct {
	Tag     string         `toml:"tag"`
	Type    string         `toml:"type"`
	Name    string         `toml:"name"`
	Primary bool           `toml:"primary"`
	Chars   []CharTemplate `toml:"chars"`
}

// CharTemplate materializes one characteristic row. Info fields left
// unset inherit from the HAP metadata defaults at apply time.
type CharTemplate struct {
	Type      string         `toml:"type"`
	Name      string         `toml:"name"`
	Convertor string         `toml:"convertor"`
	Params    map[string]any `toml:"params"`
	Info      InfoTemplate   `toml:"info"`
}

// InfoTemplate mirrors entity.CharInfo with TOML field names.
type InfoTemplate struct {
	Format      string   `toml:"format"`
	Unit        string   `toml:"unit"`
	MinValue    *float64 `toml:"min_value"`
	MaxValue    *float64 `toml:"max_value"`
	MinStep     *float64 `toml:"min_step"`
	MaxLen      *int     `toml:"max_len"`
	ValidValues []int    `toml:"valid_values"`
	ValidRange  []int    `toml:"valid_values_range"`
	Perms       []string `toml:"perms"`
}

// CharInfo projects the TOML override onto the entity metadata shape.
func (i InfoTemplate) CharInfo() entity.CharInfo {
	return entity.CharInfo{
		Format:      i.Format,
		Unit:        i.Unit,
		MinValue:    i.MinValue,
		MaxValue:    i.MaxValue,
		MinStep:     i.MinStep,
		MaxLen:      i.MaxLen,
		ValidValues: i.ValidValues,
		ValidRange:  i.ValidRange,
		Perms:       i.Perms,
	}
}

// Bindings projects the delegate templates onto the accessory row shape.
func (a AccessoryTemplate) Bindings() []entity.DelegateBinding {
	if len(a.Delegates) == 0 {
		return nil
	}
	out := make([]entity.DelegateBinding, 0, len(a.Delegates))
	for _, dt := range a.Delegates {
		b := entity.DelegateBinding{Model: dt.Model, Params: dt.Params}
		for _, ref := range dt.Chars {
			b.Chars = append(b.Chars, entity.DelegateCharRef{
				ServiceTag: ref.ServiceTag,
				CharType:   ref.CharType,
			})
		}
		out = append(out, b)
	}
	return out
}

var deviceTypes = map[string]entity.DeviceType{
	string(entity.DeviceWifi):        entity.DeviceWifi,
	string(entity.DeviceMqttGateway): entity.DeviceMqttGateway,
	string(entity.DeviceBle):         entity.DeviceBle,
	string(entity.DeviceMesh):        entity.DeviceMesh,
	string(entity.DeviceCloud):       entity.DeviceCloud,
	string(entity.DeviceChild):       entity.DeviceChild,
	string(entity.DeviceVirtual):     entity.DeviceVirtual,
}

// Validate checks structural consistency: non-empty ids and tags, known
// device types and no duplicate keys at any level of the tree.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("missing id: %w", ErrBadTemplate)
	}
	if len(t.Devices) == 0 {
		return fmt.Errorf("%s: no device templates: %w", t.ID, ErrBadTemplate)
	}

	devTags := map[string]bool{}
	for _, dt := range t.Devices {
		if dt.Tag == "" {
			return fmt.Errorf("%s: device without tag: %w", t.ID, ErrBadTemplate)
		}
		if devTags[dt.Tag] {
			return fmt.Errorf("%s: duplicate device tag %q: %w", t.ID, dt.Tag, ErrBadTemplate)
		}
		devTags[dt.Tag] = true
		if _, ok := deviceTypes[dt.Type]; !ok {
			return fmt.Errorf("%s: device %q has unknown type %q: %w",
				t.ID, dt.Tag, dt.Type, ErrBadTemplate)
		}

		accTags := map[string]bool{}
		for _, at := range dt.Accessories {
			if at.Tag == "" || accTags[at.Tag] {
				return fmt.Errorf("%s: accessory tag %q invalid or duplicate: %w",
					t.ID, at.Tag, ErrBadTemplate)
			}
			accTags[at.Tag] = true

			svcTags := map[string]bool{}
			for _, st := range at.Services {
				if st.Tag == "" || svcTags[st.Tag] {
					return fmt.Errorf("%s: service tag %q invalid or duplicate: %w",
						t.ID, st.Tag, ErrBadTemplate)
				}
				svcTags[st.Tag] = true
				if st.Type == "" {
					return fmt.Errorf("%s: service %q without type: %w",
						t.ID, st.Tag, ErrBadTemplate)
				}

				charTypes := map[string]bool{}
				for _, ct := range st.Chars {
					if ct.Type == "" || charTypes[ct.Type] {
						return fmt.Errorf("%s: characteristic type %q invalid or duplicate: %w",
							t.ID, ct.Type, ErrBadTemplate)
					}
					charTypes[ct.Type] = true
				}
			}
		}
	}
	return nil
}
