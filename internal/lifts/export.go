package lifts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/prcalc/internal/accounts"
	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"go.uber.org/zap"
)

const recentDeviceHintLimit = 5

// DeviceDirectory resolves devices and accounts for exports.
type DeviceDirectory interface {
	FindDevice(ctx context.Context, deviceID string) (accounts.Device, error)
	FindAccount(ctx context.Context, accountID string) (accounts.Account, error)
	RecentDevices(ctx context.Context, limit int) ([]accounts.Device, error)
}

// ExportOptions filters an account export.
type ExportOptions struct {
	IncludeDeleted bool
}

// ExportBundle is the support dump of every lift record reachable from one device.
type ExportBundle struct {
	ExportedAt  string         `json:"exportedAt"`
	Summary     ExportSummary  `json:"summary"`
	Device      ExportDevice   `json:"device"`
	Account     ExportAccount  `json:"account"`
	Preferences *ExportRecord  `json:"preferences"`
	Movements   []ExportRecord `json:"movements"`
	PrEntries   []ExportRecord `json:"prEntries"`
}

type ExportSummary struct {
	AccountID      string `json:"accountId"`
	DeviceID       string `json:"deviceId"`
	Movements      int    `json:"movements"`
	PrEntries      int    `json:"prEntries"`
	IncludeDeleted bool   `json:"includeDeleted"`
}

// ExportDevice describes a device without its token fingerprint.
type ExportDevice struct {
	ID         string  `json:"id"`
	AccountID  string  `json:"accountId"`
	AppVersion *string `json:"appVersion"`
	CreatedAt  string  `json:"createdAt"`
	LastSeenAt string  `json:"lastSeenAt"`
}

type ExportAccount struct {
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
}

type ExportRecord struct {
	ID         string          `json:"id"`
	MovementID *string         `json:"movementId,omitempty"`
	UpdatedAt  string          `json:"updatedAt"`
	DeletedAt  *string         `json:"deletedAt"`
	Value      json.RawMessage `json:"value"`
}

// UnknownDeviceError reports an export request for an unregistered device
// together with the most recently seen devices.
type UnknownDeviceError struct {
	DeviceID string
	Recent   []ExportDevice
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("lifts: device %q is not registered", e.DeviceID)
}

func (e *UnknownDeviceError) Unwrap() error {
	return accounts.ErrUnknownDevice
}

// Exporter binds a Service to the directory used to resolve devices.
type Exporter struct {
	service   *Service
	directory DeviceDirectory
}

// NewExporter constructs an Exporter.
func NewExporter(service *Service, directory DeviceDirectory) *Exporter {
	return &Exporter{service: service, directory: directory}
}

// ExportByDevice dumps the account owning deviceID.
func (e *Exporter) ExportByDevice(ctx context.Context, deviceID string, options ExportOptions) (ExportBundle, error) {
	if e == nil || e.directory == nil {
		return ExportBundle{}, newServiceError(opExport, "missing_directory", errMissingDirectory)
	}
	return e.service.ExportByDevice(ctx, e.directory, deviceID, options)
}

// ExportByDevice dumps the account owning deviceID. Soft-deleted rows are
// omitted unless options.IncludeDeleted is set.
func (s *Service) ExportByDevice(ctx context.Context, directory DeviceDirectory, deviceID string, options ExportOptions) (ExportBundle, error) {
	if s == nil || s.db == nil {
		return ExportBundle{}, newServiceError(opExport, "missing_database", errMissingDatabase)
	}

	device, err := directory.FindDevice(ctx, deviceID)
	if errors.Is(err, accounts.ErrUnknownDevice) {
		recent, recentErr := directory.RecentDevices(ctx, recentDeviceHintLimit)
		if recentErr != nil {
			s.logError(opExport, "recent_devices_failed", recentErr)
		}
		unknown := &UnknownDeviceError{DeviceID: strings.TrimSpace(deviceID)}
		for _, candidate := range recent {
			unknown.Recent = append(unknown.Recent, exportDevice(candidate))
		}
		return ExportBundle{}, unknown
	}
	if err != nil {
		return ExportBundle{}, newServiceError(opExport, "device_select_failed", err)
	}

	account, err := directory.FindAccount(ctx, device.AccountID)
	if err != nil {
		return ExportBundle{}, newServiceError(opExport, "account_select_failed", err)
	}

	accountID := AccountID(device.AccountID)
	pulled, err := s.Pull(ctx, accountID, 0)
	if err != nil {
		return ExportBundle{}, err
	}

	var entries []PrEntry
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Find(&entries).Error; err != nil {
		s.logError(opExport, "pr_entries_select_failed", err, zap.String("account_id", accountID.String()))
		return ExportBundle{}, newServiceError(opExport, "pr_entries_select_failed", err)
	}
	movementByEntry := make(map[string]*string, len(entries))
	for _, entry := range entries {
		movementByEntry[entry.ID] = entry.MovementID
	}

	bundle := ExportBundle{
		ExportedAt: wire.FormatMillis(pulled.ServerTime.UnixMilli()),
		Device:     exportDevice(device),
		Account: ExportAccount{
			ID:        account.ID,
			CreatedAt: wire.FormatMillis(account.CreatedAt.UnixMilli()),
		},
		Movements: []ExportRecord{},
		PrEntries: []ExportRecord{},
	}
	if pulled.Preferences != nil && (options.IncludeDeleted || !pulled.Preferences.Deleted()) {
		record := exportRecord(*pulled.Preferences, nil)
		bundle.Preferences = &record
	}
	for _, envelope := range pulled.Movements {
		if envelope.Deleted() && !options.IncludeDeleted {
			continue
		}
		bundle.Movements = append(bundle.Movements, exportRecord(envelope, nil))
	}
	for _, envelope := range pulled.PrEntries {
		if envelope.Deleted() && !options.IncludeDeleted {
			continue
		}
		bundle.PrEntries = append(bundle.PrEntries, exportRecord(envelope, movementByEntry[envelope.ID()]))
	}
	bundle.Summary = ExportSummary{
		AccountID:      account.ID,
		DeviceID:       device.ID,
		Movements:      len(bundle.Movements),
		PrEntries:      len(bundle.PrEntries),
		IncludeDeleted: options.IncludeDeleted,
	}
	return bundle, nil
}

func exportDevice(device accounts.Device) ExportDevice {
	return ExportDevice{
		ID:         device.ID,
		AccountID:  device.AccountID,
		AppVersion: device.AppVersion,
		CreatedAt:  wire.FormatMillis(device.CreatedAt.UnixMilli()),
		LastSeenAt: wire.FormatMillis(device.LastSeenAt.UnixMilli()),
	}
}

func exportRecord(envelope wire.PayloadEnvelope, movementID *string) ExportRecord {
	record := ExportRecord{
		ID:         envelope.ID(),
		MovementID: movementID,
		UpdatedAt:  wire.FormatMillis(envelope.UpdatedAtMs()),
		DeletedAt:  wire.FormatMillisPtr(envelope.DeletedAtPtr()),
	}
	if value, ok := envelope.Value(); ok {
		record.Value = value
	} else {
		record.Value = json.RawMessage("null")
	}
	return record
}
