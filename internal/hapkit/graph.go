package hapkit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	"homeport/internal/delegate"
	"homeport/internal/device"
	"homeport/internal/entity"
)

// Logger defines the logging interface used by the hapkit package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// delegateTimeout bounds one delegated read or write batch.
const delegateTimeout = 15 * time.Second

// Handler is the read/write path of one accessory's characteristics. The
// delegate engine satisfies it.
type Handler interface {
	ReadChars(ctx context.Context, params []delegate.ReadParam) []delegate.ReadResult
	UpdateChars(ctx context.Context, params []delegate.UpdateParam) []delegate.UpdateResult
}

// Char is one live characteristic: the row, its resolved metadata and the
// brutella characteristic it drives.
type Char struct {
	Row  entity.Characteristic
	Info entity.CharInfo
	C    *characteristic.C

	set func(any) error
}

// SetValue coerces and applies a value, raising a HAP event notification
// to subscribed controllers.
func (c *Char) SetValue(v any) error {
	return c.set(v)
}

// ServiceNode is one live service with its characteristic tag map.
type ServiceNode struct {
	Row   entity.Service
	S     *service.S
	Chars []*Char

	ctags map[string][]int64 // char name -> [cid]
}

// CharsByTag resolves characteristics symbolically by their name tag.
func (n *ServiceNode) CharsByTag(tag string) []int64 {
	return n.ctags[tag]
}

// AccessoryNode is one live accessory: the brutella graph plus id and tag
// indexes.
type AccessoryNode struct {
	Row      entity.Accessory
	DeviceID int64
	A        *accessory.A
	Services []*ServiceNode

	byCid map[int64]*Char
	bySid map[int64]*ServiceNode
	stags map[string][]int64 // service tag -> [sid]
}

// Char resolves a characteristic by cid.
func (n *AccessoryNode) Char(cid int64) (*Char, bool) {
	c, ok := n.byCid[cid]
	return c, ok
}

// Service resolves a service by its row id.
func (n *AccessoryNode) Service(sid int64) (*ServiceNode, bool) {
	s, ok := n.bySid[sid]
	return s, ok
}

// ServicesByTag resolves services symbolically by tag.
func (n *AccessoryNode) ServicesByTag(tag string) []int64 {
	return n.stags[tag]
}

// CharByType finds the first enabled characteristic of a HAP type within
// a service.
func (n *AccessoryNode) CharByType(sid int64, charType string) (*Char, bool) {
	s, ok := n.bySid[sid]
	if !ok {
		return nil, false
	}
	for _, c := range s.Chars {
		if c.Row.CharType == charType {
			return c, true
		}
	}
	return nil, false
}

// CharBindings projects the accessory's characteristics into the delegate
// engine's binding shape.
func (n *AccessoryNode) CharBindings() []delegate.CharBinding {
	var out []delegate.CharBinding
	for _, s := range n.Services {
		for _, c := range s.Chars {
			out = append(out, delegate.CharBinding{
				Aid:             n.Row.Aid,
				Sid:             s.Row.ID,
				Stag:            s.Row.Tag,
				Cid:             c.Row.Cid,
				Ctag:            c.Row.Name,
				CharType:        c.Row.CharType,
				Format:          c.Info.Format,
				Convertor:       c.Row.Convertor,
				ConvertorParams: c.Row.ConvertorParams,
			})
		}
	}
	return out
}

// serviceRows couples a service row with its characteristic rows.
type serviceRows struct {
	Service entity.Service
	Chars   []entity.Characteristic
}

// BuildAccessory assembles the brutella accessory from persisted rows.
// Disabled services and characteristics are skipped. Duplicate service or
// characteristic ids fail the whole accessory.
func BuildAccessory(row entity.Accessory, services []serviceRows, info device.HapInfo, logger Logger) (*AccessoryNode, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	name := row.Name
	if n, ok := row.Info["name"].(string); ok && n != "" {
		name = n
	}
	a := accessory.New(accessory.Info{
		Name:         name,
		Manufacturer: firstNonEmpty(stringField(row.Info, "manufacturer"), info.Manufacturer),
		Model:        firstNonEmpty(stringField(row.Info, "model"), info.Model),
		SerialNumber: firstNonEmpty(stringField(row.Info, "serial_number"), info.Serial),
		Firmware:     firstNonEmpty(stringField(row.Info, "firmware"), info.FwRev),
	}, byte(row.Category))
	a.Id = uint64(row.Aid)

	node := &AccessoryNode{
		Row:      row,
		DeviceID: row.DeviceID,
		A:        a,
		byCid:    make(map[int64]*Char),
		bySid:    make(map[int64]*ServiceNode),
		stags:    make(map[string][]int64),
	}

	for _, sr := range services {
		if sr.Service.Disabled {
			continue
		}
		if _, dup := node.bySid[sr.Service.ID]; dup {
			return nil, fmt.Errorf("service %d: %w", sr.Service.ID, ErrDuplicateID)
		}

		s := service.New(sr.Service.ServiceType)
		sn := &ServiceNode{
			Row:   sr.Service,
			S:     s,
			ctags: make(map[string][]int64),
		}

		for _, cr := range sr.Chars {
			if cr.Disabled {
				continue
			}
			if _, dup := node.byCid[cr.Cid]; dup {
				return nil, fmt.Errorf("characteristic %d: %w", cr.Cid, ErrDuplicateID)
			}

			ch, err := buildChar(cr)
			if err != nil {
				return nil, fmt.Errorf("characteristic %d: %w", cr.Cid, err)
			}
			s.AddC(ch.C)
			sn.Chars = append(sn.Chars, ch)
			sn.ctags[cr.Name] = append(sn.ctags[cr.Name], cr.Cid)
			node.byCid[cr.Cid] = ch
		}

		a.AddS(s)
		node.Services = append(node.Services, sn)
		node.bySid[sr.Service.ID] = sn
		node.stags[sr.Service.Tag] = append(node.stags[sr.Service.Tag], sr.Service.ID)
	}
	return node, nil
}

// buildChar realizes one characteristic row as a typed brutella
// characteristic with the resolved metadata applied.
func buildChar(row entity.Characteristic) (*Char, error) {
	info := ResolveCharInfo(row.CharType, row.Info)
	if err := info.Validate(); err != nil {
		return nil, err
	}

	var (
		c   *characteristic.C
		set func(any) error
	)
	switch info.Format {
	case entity.FormatBool:
		w := characteristic.NewBool(row.CharType)
		c = w.C
		set = func(v any) error {
			b, err := coerceBool(v)
			if err != nil {
				return err
			}
			w.SetValue(b)
			return nil
		}
	case entity.FormatUint8, entity.FormatUint16, entity.FormatUint32,
		entity.FormatUint64, entity.FormatInt32:
		w := characteristic.NewInt(row.CharType)
		c = w.C
		c.Format = info.Format
		if info.MinValue != nil {
			w.SetMinValue(int(*info.MinValue))
		}
		if info.MaxValue != nil {
			w.SetMaxValue(int(*info.MaxValue))
		}
		if info.MinStep != nil {
			w.SetStepValue(int(*info.MinStep))
		}
		set = func(v any) error {
			n, err := coerceInt(v)
			if err != nil {
				return err
			}
			w.SetValue(n)
			return nil
		}
	case entity.FormatFloat:
		w := characteristic.NewFloat(row.CharType)
		c = w.C
		if info.MinValue != nil {
			w.SetMinValue(*info.MinValue)
		}
		if info.MaxValue != nil {
			w.SetMaxValue(*info.MaxValue)
		}
		if info.MinStep != nil {
			w.SetStepValue(*info.MinStep)
		}
		set = func(v any) error {
			f, err := coerceFloat(v)
			if err != nil {
				return err
			}
			w.SetValue(f)
			return nil
		}
	case entity.FormatString:
		w := characteristic.NewString(row.CharType)
		c = w.C
		set = func(v any) error {
			s, err := coerceString(v)
			if err != nil {
				return err
			}
			w.SetValue(s)
			return nil
		}
	case entity.FormatData, entity.FormatTLV8:
		w := characteristic.NewBytes(row.CharType)
		c = w.C
		set = func(v any) error {
			b, err := coerceBytes(v)
			if err != nil {
				return err
			}
			w.SetValue(b)
			return nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, info.Format)
	}

	if len(info.Perms) > 0 {
		c.Permissions = info.Perms
	}
	if info.Unit != "" {
		c.Unit = info.Unit
	}
	if len(info.ValidValues) > 0 {
		c.ValidVals = info.ValidValues
	}
	if len(info.ValidRange) > 0 {
		c.ValidRange = info.ValidRange
	}

	return &Char{Row: row, Info: info, C: c, set: set}, nil
}

// WireHandler routes the accessory's characteristic reads and writes
// through the delegate engine. Internal value pushes (request == nil)
// bypass the delegate; only remote controller writes dispatch.
func (n *AccessoryNode) WireHandler(handler Handler, logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	for _, sn := range n.Services {
		for _, ch := range sn.Chars {
			param := delegate.ReadParam{
				Aid:      n.Row.Aid,
				Sid:      sn.Row.ID,
				Stag:     sn.Row.Tag,
				Cid:      ch.Row.Cid,
				Ctag:     ch.Row.Name,
				CharType: ch.Row.CharType,
				Format:   ch.Info.Format,
			}
			ch.C.ValueRequestFunc = func(req *http.Request) (any, int) {
				ctx, cancel := context.WithTimeout(context.Background(), delegateTimeout)
				defer cancel()

				res := handler.ReadChars(ctx, []delegate.ReadParam{param})
				if len(res) != 1 || !res[0].Success {
					return ch.C.Val, hap.JsonStatusServiceCommunicationFailure
				}
				v, err := Coerce(param.Format, res[0].Value)
				if err != nil {
					logger.Warn("read result not coercible", "cid", param.Cid, "error", err)
					return ch.C.Val, hap.JsonStatusServiceCommunicationFailure
				}
				return v, 0
			}
			ch.C.SetValueRequestFunc = func(v any, req *http.Request) (any, int) {
				if req == nil {
					return nil, 0
				}
				ctx, cancel := context.WithTimeout(context.Background(), delegateTimeout)
				defer cancel()

				res := handler.UpdateChars(ctx, []delegate.UpdateParam{{
					ReadParam: param,
					OldValue:  ch.C.Val,
					NewValue:  v,
				}})
				if len(res) != 1 || !res[0].Success {
					return nil, hap.JsonStatusServiceCommunicationFailure
				}
				return nil, 0
			}
		}
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
