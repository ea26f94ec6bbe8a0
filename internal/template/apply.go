package template

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"homeport/internal/entity"
	"homeport/internal/hapkit"
)

// Mode selects how accessories attach to a bridge during apply.
type Mode string

const (
	// ModeParent attaches every accessory to an existing bridge.
	ModeParent Mode = "parent"

	// ModeSinger creates one fresh single-accessory bridge per accessory,
	// with its own random identity and the next unused port.
	ModeSinger Mode = "singer"
)

// singerPortStart is the first port probed for a fresh singer bridge.
const singerPortStart = 51827

// Input carries the apply parameters: which source record the template
// materializes and where the accessories attach.
type Input struct {
	SourceID    string
	SourceName  string
	SourceModel string // checked against Template.Model when both are set
	Mode        Mode
	BridgeID    *int64
	GatewayID   *int64
}

// Result reports the rows an apply touched.
type Result struct {
	TemplateID string  `json:"template_id"`
	BatchID    string  `json:"batch_id"`
	DeviceIDs  []int64 `json:"device_ids"`
	BridgeIDs  []int64 `json:"bridge_ids,omitempty"` // singer bridges created this run
	Aids       []int64 `json:"aids"`
}

// Applier materializes templates into the data model. Every apply runs
// in one transaction; any failure rolls the whole batch back.
type Applier struct {
	repo   *entity.Repository
	logger Logger
}

// NewApplier builds a template applier over the repository.
func NewApplier(repo *entity.Repository, logger Logger) *Applier {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Applier{repo: repo, logger: logger}
}

// Apply upserts the template's device/accessory/service/characteristic
// tree for one source record. Applying the same template to the same
// source twice refreshes rows in place and creates nothing new.
func (a *Applier) Apply(ctx context.Context, t *Template, in Input) (*Result, error) {
	if in.Mode == ModeParent && in.BridgeID == nil {
		return nil, ErrBridgeRequired
	}
	if in.SourceModel != "" && t.Model != "" && in.SourceModel != t.Model {
		return nil, fmt.Errorf("template %s wants model %s, source is %s: %w",
			t.ID, t.Model, in.SourceModel, ErrModelMismatch)
	}

	tx, err := a.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening apply transaction: %w", err)
	}
	defer tx.Rollback()
	repo := a.repo.WithTx(tx)

	batchID := uuid.NewString()
	res := &Result{TemplateID: t.ID, BatchID: batchID}

	for _, dt := range t.Devices {
		deviceID, err := a.applyDevice(ctx, repo, t, dt, in, batchID, res)
		if err != nil {
			return nil, err
		}
		res.DeviceIDs = append(res.DeviceIDs, deviceID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing apply: %w", err)
	}
	a.logger.Info("template applied",
		"template", t.ID,
		"source", in.SourceID,
		"batch", batchID,
		"devices", len(res.DeviceIDs),
		"accessories", len(res.Aids))
	return res, nil
}

func (a *Applier) applyDevice(ctx context.Context, repo *entity.Repository, t *Template,
	dt DeviceTemplate, in Input, batchID string, res *Result) (int64, error) {

	devType := deviceTypes[dt.Type]
	if devType.RequiresGateway() && in.GatewayID == nil {
		return 0, fmt.Errorf("device %s (%s): %w", dt.Tag, dt.Type, ErrGatewayRequired)
	}

	name := dt.Name
	if name == "" {
		name = in.SourceName
	}
	tempID := t.ID
	d := &entity.Device{
		Tag:         dt.Tag,
		Type:        devType,
		Platform:    t.Platform,
		SourceID:    in.SourceID,
		Name:        name,
		Params:      dt.Params,
		TempID:      &tempID,
		TempBatchID: &batchID,
	}
	if devType.RequiresGateway() {
		d.GatewayID = in.GatewayID
	}
	deviceID, err := repo.UpsertDevice(ctx, d)
	if err != nil {
		return 0, err
	}

	for _, at := range dt.Accessories {
		if err := a.applyAccessory(ctx, repo, t, at, in, deviceID, res); err != nil {
			return 0, err
		}
	}
	return deviceID, nil
}

func (a *Applier) applyAccessory(ctx context.Context, repo *entity.Repository, t *Template,
	at AccessoryTemplate, in Input, deviceID int64, res *Result) error {

	bridgeID, err := a.resolveBridge(ctx, repo, t, at, in, deviceID, res)
	if err != nil {
		return err
	}

	name := at.Name
	if name == "" {
		name = in.SourceName
	}
	tempID := t.ID
	acc := &entity.Accessory{
		Name:      name,
		Tag:       at.Tag,
		DeviceID:  deviceID,
		BridgeID:  bridgeID,
		Category:  at.Category,
		Delegates: at.Bindings(),
		Memo:      at.Memo,
		Info:      at.Info,
		TempID:    &tempID,
	}
	aid, err := repo.UpsertAccessory(ctx, acc)
	if err != nil {
		return err
	}
	res.Aids = append(res.Aids, aid)

	for _, st := range at.Services {
		svc := &entity.Service{
			AccessoryID:    aid,
			Tag:            st.Tag,
			ServiceType:    st.Type,
			ConfiguredName: st.Name,
			Primary:        st.Primary,
		}
		sid, err := repo.UpsertService(ctx, svc)
		if err != nil {
			return err
		}

		for _, ct := range st.Chars {
			char := &entity.Characteristic{
				ServiceID:       sid,
				CharType:        ct.Type,
				Name:            ct.Name,
				Info:            hapkit.ResolveCharInfo(ct.Type, ct.Info.CharInfo()),
				Convertor:       ct.Convertor,
				ConvertorParams: ct.Params,
			}
			if _, err := repo.UpsertCharacteristic(ctx, char); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveBridge returns the bridge an accessory attaches to. Parent mode
// reuses the caller's bridge. Singer mode reuses the bridge of an
// earlier apply when the accessory row already exists, otherwise it
// creates a fresh single-accessory bridge.
func (a *Applier) resolveBridge(ctx context.Context, repo *entity.Repository, t *Template,
	at AccessoryTemplate, in Input, deviceID int64, res *Result) (int64, error) {

	if in.Mode != ModeSinger {
		return *in.BridgeID, nil
	}

	existing, err := repo.ListAccessoriesByDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	for _, acc := range existing {
		if acc.Tag == at.Tag && acc.TempID != nil && *acc.TempID == t.ID {
			return acc.BridgeID, nil
		}
	}

	port, err := repo.NextFreePort(ctx, singerPortStart)
	if err != nil {
		return 0, err
	}
	name := at.Name
	if name == "" {
		name = in.SourceName
	}
	b, err := entity.NewBridge(name, port, "")
	if err != nil {
		return 0, err
	}
	b.SingleAccessory = true
	if at.Category != 0 {
		b.Category = at.Category
	}
	if err := repo.CreateBridge(ctx, b); err != nil {
		return 0, err
	}
	res.BridgeIDs = append(res.BridgeIDs, b.ID)
	a.logger.Info("singer bridge created",
		"template", t.ID, "bridge", b.ID, "port", port, "name", name)
	return b.ID, nil
}
