package identity

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryMeta struct {
	values  map[string]string
	failGet error
}

func newMemoryMeta() *memoryMeta {
	return &memoryMeta{values: map[string]string{}}
}

func (m *memoryMeta) GetMeta(_ context.Context, key string) (string, bool, error) {
	if m.failGet != nil {
		return "", false, m.failGet
	}
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *memoryMeta) SetMeta(_ context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func TestGetOrCreateGeneratesOnce(t *testing.T) {
	meta := newMemoryMeta()
	provider, err := NewProvider(Config{Store: meta})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := provider.GetOrCreate(ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(first.DeviceID)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(first.DeviceToken)
	require.NoError(t, err)
	require.Len(t, raw, 32)
	require.NotContains(t, first.DeviceToken, "=")

	second, err := provider.GetOrCreate(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestGetOrCreateRegeneratesWhenTokenMissing(t *testing.T) {
	meta := newMemoryMeta()
	meta.values[KeyDeviceID] = "orphan"
	provider, err := NewProvider(Config{Store: meta, Random: bytes.NewReader(bytes.Repeat([]byte{7}, 64))})
	require.NoError(t, err)

	identity, err := provider.GetOrCreate(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, "orphan", identity.DeviceID)
	require.Equal(t, base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)), identity.DeviceToken)
}

func TestGetOrCreatePropagatesStoreErrors(t *testing.T) {
	meta := newMemoryMeta()
	meta.failGet = errors.New("disk gone")
	provider, err := NewProvider(Config{Store: meta})
	require.NoError(t, err)

	_, err = provider.GetOrCreate(context.Background())
	require.ErrorIs(t, err, meta.failGet)
}

func TestAccountAndCursorBookkeeping(t *testing.T) {
	meta := newMemoryMeta()
	provider, err := NewProvider(Config{Store: meta})
	require.NoError(t, err)
	ctx := context.Background()

	cursor, err := provider.LastSyncMs(ctx)
	require.NoError(t, err)
	require.Zero(t, cursor)

	require.NoError(t, provider.SetAccountID(ctx, "acct"))
	require.NoError(t, provider.SetLastSyncMs(ctx, 1767225600000))

	identity, err := provider.GetOrCreate(ctx)
	require.NoError(t, err)
	require.Equal(t, "acct", identity.AccountID)
	require.Equal(t, int64(1767225600000), identity.LastSyncMs)

	meta.values[KeyLastSyncMs] = "garbage"
	cursor, err = provider.LastSyncMs(ctx)
	require.NoError(t, err)
	require.Zero(t, cursor)
}

func TestNewProviderRequiresStore(t *testing.T) {
	_, err := NewProvider(Config{})
	require.ErrorIs(t, err, errMissingStore)
}

func TestMask(t *testing.T) {
	require.Equal(t, "", Mask(""))
	require.Equal(t, "ab…", Mask("abcdef"))
	require.Equal(t, "abcdef…wxyz", Mask("abcdefghijklmnopqrstuvwxyz"))
}
