// Package identity owns the device credentials persisted in the local store.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	KeyDeviceID    = "deviceId"
	KeyDeviceToken = "deviceToken"
	KeyAccountID   = "accountId"
	KeyLastSyncMs  = "lastSyncMs"

	tokenBytes = 32
)

var errMissingStore = errors.New("identity: meta store is required")

// MetaStore is the key/value table the identity lives in.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Identity is what the device presents to the server.
type Identity struct {
	DeviceID    string
	DeviceToken string
	AccountID   string
	LastSyncMs  int64
}

// Config wires a Provider. Random defaults to crypto/rand.
type Config struct {
	Store  MetaStore
	Random io.Reader
	Logger *zap.Logger
}

// Provider creates the device identity once and returns it unchanged afterwards.
type Provider struct {
	store  MetaStore
	random io.Reader
	logger *zap.Logger

	mu sync.Mutex
}

func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{store: cfg.Store, random: random, logger: logger}, nil
}

// GetOrCreate loads the persisted identity, generating the device id and
// token on first use. Both are regenerated only if either is missing.
func (p *Provider) GetOrCreate(ctx context.Context) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deviceID, hasID, err := p.store.GetMeta(ctx, KeyDeviceID)
	if err != nil {
		return Identity{}, err
	}
	token, hasToken, err := p.store.GetMeta(ctx, KeyDeviceToken)
	if err != nil {
		return Identity{}, err
	}

	if !hasID || !hasToken || deviceID == "" || token == "" {
		deviceID, err = p.newDeviceID()
		if err != nil {
			return Identity{}, err
		}
		token, err = p.newToken()
		if err != nil {
			return Identity{}, err
		}
		if err := p.store.SetMeta(ctx, KeyDeviceID, deviceID); err != nil {
			return Identity{}, err
		}
		if err := p.store.SetMeta(ctx, KeyDeviceToken, token); err != nil {
			return Identity{}, err
		}
		p.logger.Info("device identity created", zap.String("device_id", deviceID), zap.String("token", Mask(token)))
	}

	accountID, _, err := p.store.GetMeta(ctx, KeyAccountID)
	if err != nil {
		return Identity{}, err
	}
	lastSync, err := p.LastSyncMs(ctx)
	if err != nil {
		return Identity{}, err
	}
	return Identity{DeviceID: deviceID, DeviceToken: token, AccountID: accountID, LastSyncMs: lastSync}, nil
}

func (p *Provider) SetAccountID(ctx context.Context, accountID string) error {
	return p.store.SetMeta(ctx, KeyAccountID, accountID)
}

// LastSyncMs returns the pull cursor, 0 when none was stored.
func (p *Provider) LastSyncMs(ctx context.Context) (int64, error) {
	raw, ok, err := p.store.GetMeta(ctx, KeyLastSyncMs)
	if err != nil || !ok {
		return 0, err
	}
	value, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil || value < 0 {
		p.logger.Warn("ignoring malformed sync cursor", zap.String("value", raw))
		return 0, nil
	}
	return value, nil
}

func (p *Provider) SetLastSyncMs(ctx context.Context, value int64) error {
	if value < 0 {
		value = 0
	}
	return p.store.SetMeta(ctx, KeyLastSyncMs, strconv.FormatInt(value, 10))
}

func (p *Provider) newDeviceID() (string, error) {
	id, err := uuid.NewRandomFromReader(p.random)
	if err != nil {
		return "", fmt.Errorf("failed to generate device id: %w", err)
	}
	return id.String(), nil
}

func (p *Provider) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(p.random, buf); err != nil {
		return "", fmt.Errorf("failed to generate device token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Mask shortens a secret for logs: the first six and last four characters.
func Mask(secret string) string {
	const head, tail = 6, 4
	if secret == "" {
		return ""
	}
	if len(secret) <= head+tail {
		return secret[:min(2, len(secret))] + "…"
	}
	return secret[:head] + "…" + secret[len(secret)-tail:]
}
