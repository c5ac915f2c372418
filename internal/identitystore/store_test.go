package identitystore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeRegistrar struct {
	registerErr    error
	keyExchangeErr error
	registered     bool
	exchanged      bool
}

func (f *fakeRegistrar) RegisterDevice(ctx context.Context, fleetKey, uuid, deviceAPIKey string, metadata map[string]string) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = true
	return nil
}

func (f *fakeRegistrar) KeyExchange(ctx context.Context, deviceAPIKey, uuid string) error {
	if f.keyExchangeErr != nil {
		return f.keyExchangeErr
	}
	f.exchanged = true
	return nil
}

func TestLoadGeneratesUUIDAndKeyOnFirstBoot(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Load()
	require.NoError(t, err)
	require.NotEmpty(t, id.UUID)
	require.Len(t, id.DeviceAPIKey, 64) // 32 bytes hex-encoded
	require.False(t, id.Provisioned)
}

func TestLoadIsStableAcrossCalls(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Load()
	require.NoError(t, err)
	second, err := s.Load()
	require.NoError(t, err)

	require.Equal(t, first.UUID, second.UUID)
	require.Equal(t, first.DeviceAPIKey, second.DeviceAPIKey)
}

func TestRegisterCompletesHandshakeAndClearsProvisioningKey(t *testing.T) {
	s := newTestStore(t)
	reg := &fakeRegistrar{}

	id, err := s.Register(context.Background(), reg, "fleet-secret", map[string]string{"type": "sensor-gateway"})
	require.NoError(t, err)
	require.True(t, id.Provisioned)
	require.Empty(t, id.ProvisioningAPIKey)
	require.True(t, reg.registered)
	require.True(t, reg.exchanged)
}

func TestRegisterFailsClosedOnPhase1Error(t *testing.T) {
	s := newTestStore(t)
	reg := &fakeRegistrar{registerErr: errors.New("invalid fleet key")}

	_, err := s.Register(context.Background(), reg, "bad-key", nil)
	require.Error(t, err)

	id, err := s.Load()
	require.NoError(t, err)
	require.False(t, id.Provisioned)
}

func TestRegisterTwiceReturnsAlreadyProvisioned(t *testing.T) {
	s := newTestStore(t)
	reg := &fakeRegistrar{}

	_, err := s.Register(context.Background(), reg, "fleet-secret", nil)
	require.NoError(t, err)

	_, err = s.Register(context.Background(), reg, "fleet-secret", nil)
	require.ErrorIs(t, err, ErrAlreadyProvisioned)
}

func TestRotatePersistsNewKeyAndRetainsOldThroughGraceWindow(t *testing.T) {
	s := newTestStore(t)
	before, err := s.Load()
	require.NoError(t, err)

	grace := time.Now().Add(time.Hour)
	id, err := s.Rotate("new-device-key", grace)
	require.NoError(t, err)
	require.Equal(t, "new-device-key", id.DeviceAPIKey)
	require.Equal(t, before.DeviceAPIKey, id.OldDeviceAPIKey)
	require.Equal(t, grace.UnixMilli(), id.OldKeyExpiresAt)

	reloaded, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, "new-device-key", reloaded.DeviceAPIKey)

	fallback, ok := s.FallbackKey()
	require.True(t, ok)
	require.Equal(t, before.DeviceAPIKey, fallback)
}

func TestFallbackKeyExpiresWithGraceWindow(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	require.NoError(t, err)

	_, err = s.Rotate("new-device-key", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, ok := s.FallbackKey()
	require.False(t, ok)
}

func TestRevertRotationRestoresOldKeyWithinGraceWindow(t *testing.T) {
	s := newTestStore(t)
	before, err := s.Load()
	require.NoError(t, err)

	_, err = s.Rotate("rejected-key", time.Now().Add(time.Hour))
	require.NoError(t, err)

	id, ok, err := s.RevertRotation()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, before.DeviceAPIKey, id.DeviceAPIKey)
	require.Empty(t, id.OldDeviceAPIKey)

	_, ok, err = s.RevertRotation()
	require.NoError(t, err)
	require.False(t, ok, "no grace-window key left to revert to")
}

func TestDeprovisionRevertsProvisionedFlag(t *testing.T) {
	s := newTestStore(t)
	reg := &fakeRegistrar{}
	_, err := s.Register(context.Background(), reg, "fleet-secret", nil)
	require.NoError(t, err)

	id, err := s.Deprovision()
	require.NoError(t, err)
	require.False(t, id.Provisioned)
}
