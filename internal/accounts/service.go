package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies required for device registration.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service registers devices and authenticates their sync requests.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// BootstrapRequest is a device announcing itself.
type BootstrapRequest struct {
	DeviceID    string
	DeviceToken string
	AppVersion  string
}

// BootstrapResult describes the account a device is bound to.
type BootstrapResult struct {
	AccountID  string
	DeviceID   string
	Created    bool
	ServerTime time.Time
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     cfg.Logger,
	}, nil
}

// Bootstrap registers an unseen device under a fresh account, or confirms a
// known device when the token matches its stored fingerprint. When two
// bootstraps for the same new device race, exactly one account is created and
// the loser resolves against the winner's row.
func (s *Service) Bootstrap(ctx context.Context, request BootstrapRequest) (BootstrapResult, error) {
	deviceID, token, err := normalizeCredentials(request.DeviceID, request.DeviceToken)
	if err != nil {
		return BootstrapResult{}, s.credentialError(opBootstrap, err)
	}
	appVersion := strings.TrimSpace(request.AppVersion)
	now := s.clock().UTC()

	existing, err := s.findDevice(ctx, deviceID)
	switch {
	case err == nil:
		return s.confirmDevice(ctx, existing, token, appVersion, now)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		s.logError(opBootstrap, "device_select_failed", err, zap.String("device_id", deviceID))
		return BootstrapResult{}, newServiceError(opBootstrap, "device_select_failed", err)
	}

	result, err := s.registerDevice(ctx, deviceID, fingerprint.Token(token), appVersion, now)
	if errors.Is(err, errDeviceRegistered) {
		winner, findErr := s.findDevice(ctx, deviceID)
		if findErr != nil {
			s.logError(opBootstrap, "device_reselect_failed", findErr, zap.String("device_id", deviceID))
			return BootstrapResult{}, newServiceError(opBootstrap, "device_reselect_failed", findErr)
		}
		return s.confirmDevice(ctx, winner, token, appVersion, now)
	}
	if err != nil {
		s.logError(opBootstrap, "device_insert_failed", err, zap.String("device_id", deviceID))
		return BootstrapResult{}, newServiceError(opBootstrap, "device_insert_failed", err)
	}

	s.loggerOrDefault().Info("device registered",
		zap.String("account_id", result.AccountID),
		zap.String("device_id", deviceID),
	)
	return result, nil
}

// Authenticate resolves the principal for a device id and bearer token. It
// performs no writes.
func (s *Service) Authenticate(ctx context.Context, deviceID, token string) (Principal, error) {
	normalizedID, normalizedToken, err := normalizeCredentials(deviceID, token)
	if err != nil {
		return Principal{}, newServiceError(opAuthenticate, reasonFor(err), err)
	}

	device, err := s.findDevice(ctx, normalizedID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, newServiceError(opAuthenticate, "unknown_device", ErrUnknownDevice)
	}
	if err != nil {
		s.logError(opAuthenticate, "device_select_failed", err, zap.String("device_id", normalizedID))
		return Principal{}, newServiceError(opAuthenticate, "device_select_failed", err)
	}
	if !fingerprint.Matches(normalizedToken, device.TokenHash) {
		return Principal{}, newServiceError(opAuthenticate, "token_mismatch", ErrTokenMismatch)
	}
	return Principal{AccountID: device.AccountID, DeviceID: device.ID}, nil
}

// Touch records that the device was seen now.
func (s *Service) Touch(ctx context.Context, deviceID string) error {
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ?", deviceID).
		Update("last_seen_at", now).
		Error
	if err != nil {
		return newServiceError(opTouch, "device_update_failed", err)
	}
	return nil
}

// FindDevice loads a registered device.
func (s *Service) FindDevice(ctx context.Context, deviceID string) (Device, error) {
	device, err := s.findDevice(ctx, strings.TrimSpace(deviceID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, newServiceError(opFindDevice, "unknown_device", ErrUnknownDevice)
	}
	if err != nil {
		return Device{}, newServiceError(opFindDevice, "device_select_failed", err)
	}
	return device, nil
}

// FindAccount loads an account by id.
func (s *Service) FindAccount(ctx context.Context, accountID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error
	if err != nil {
		return Account{}, newServiceError(opFindAccount, "account_select_failed", err)
	}
	return account, nil
}

// RecentDevices lists the most recently seen devices, newest first.
func (s *Service) RecentDevices(ctx context.Context, limit int) ([]Device, error) {
	var devices []Device
	err := s.db.WithContext(ctx).
		Order("last_seen_at DESC").
		Limit(limit).
		Find(&devices).
		Error
	if err != nil {
		return nil, newServiceError(opRecentDevices, "device_select_failed", err)
	}
	return devices, nil
}

func (s *Service) findDevice(ctx context.Context, deviceID string) (Device, error) {
	var device Device
	err := s.db.WithContext(ctx).Where("id = ?", deviceID).Take(&device).Error
	return device, err
}

// registerDevice creates the account and device in one transaction. A device
// row that already exists rolls the account back and yields errDeviceRegistered.
func (s *Service) registerDevice(ctx context.Context, deviceID, tokenHash, appVersion string, now time.Time) (BootstrapResult, error) {
	accountID, err := s.idProvider.NewID()
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("allocate account id: %w", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := Account{ID: accountID, CreatedAt: now}
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		device := Device{
			ID:         deviceID,
			AccountID:  accountID,
			TokenHash:  tokenHash,
			AppVersion: optionalString(appVersion),
			CreatedAt:  now,
			LastSeenAt: now,
		}
		insert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(&device)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			return errDeviceRegistered
		}
		return nil
	})
	if txErr != nil {
		return BootstrapResult{}, txErr
	}

	return BootstrapResult{
		AccountID:  accountID,
		DeviceID:   deviceID,
		Created:    true,
		ServerTime: now,
	}, nil
}

func (s *Service) confirmDevice(ctx context.Context, device Device, token, appVersion string, now time.Time) (BootstrapResult, error) {
	if !fingerprint.Matches(token, device.TokenHash) {
		s.loggerOrDefault().Info("device bootstrap rejected",
			zap.String("device_id", device.ID),
			zap.String("reason", "token_mismatch"),
		)
		return BootstrapResult{}, newServiceError(opBootstrap, "token_mismatch", ErrTokenMismatch)
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if appVersion != "" {
		updates["app_version"] = appVersion
	}
	err := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ?", device.ID).
		Updates(updates).
		Error
	if err != nil {
		s.logError(opBootstrap, "device_update_failed", err, zap.String("device_id", device.ID))
		return BootstrapResult{}, newServiceError(opBootstrap, "device_update_failed", err)
	}

	return BootstrapResult{
		AccountID:  device.AccountID,
		DeviceID:   device.ID,
		Created:    false,
		ServerTime: now,
	}, nil
}

func (s *Service) credentialError(operation string, err error) error {
	return newServiceError(operation, reasonFor(err), err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := s.loggerOrDefault()
	baseFields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		baseFields = append(baseFields, zap.Error(err))
	}
	logger.Error("accounts service failure", append(baseFields, fields...)...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

// normalizeCredentials trims the device id. The token is fingerprinted
// exactly as received.
func normalizeCredentials(deviceID, token string) (string, string, error) {
	trimmedID := strings.TrimSpace(deviceID)
	if trimmedID == "" || strings.TrimSpace(token) == "" {
		return "", "", ErrMissingCredentials
	}
	if len(trimmedID) > wire.MaxIdentifierLength {
		return "", "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, wire.MaxIdentifierLength)
	}
	return trimmedID, token, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, ErrInvalidDeviceID):
		return "invalid_device_id"
	default:
		return "invalid_credentials"
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
