// Package identitystore persists the device UUID, device API key, and
// (until provisioning completes) the fleet-level provisioning key, and
// drives the two-phase provisioning handshake with the cloud.
package identitystore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/zemfyre/device-supervisor/internal/logging"
)

var bucketName = []byte("identity")
var recordKey = []byte("device")

// Identity is the durable per-device identity record. After a key
// rotation the previous key is retained in OldDeviceAPIKey until
// OldKeyExpiresAt (the rotation's gracePeriodEnds), so requests signed
// with it keep working through the grace window.
type Identity struct {
	UUID               string `json:"uuid"`
	DeviceAPIKey       string `json:"deviceApiKey"`
	OldDeviceAPIKey    string `json:"oldDeviceApiKey,omitempty"`
	OldKeyExpiresAt    int64  `json:"oldKeyExpiresAt,omitempty"` // unix millis
	ProvisioningAPIKey string `json:"provisioningApiKey,omitempty"`
	Provisioned        bool   `json:"provisioned"`
}

// Registrar performs the two network round-trips of the handshake. It is
// satisfied by internal/cloudclient.Client; Store depends only on this
// narrow interface to avoid an import cycle with the package that in turn
// needs the device key this store produces.
type Registrar interface {
	RegisterDevice(ctx context.Context, fleetKey string, uuid, deviceAPIKey string, metadata map[string]string) error
	KeyExchange(ctx context.Context, deviceAPIKey, uuid string) error
}

// Store is the single-writer, bbolt-backed Identity Store.
type Store struct {
	db  *bolt.DB
	log *zap.SugaredLogger

	mu       sync.Mutex
	identity Identity
	loaded   bool
}

// Open opens (creating if necessary) the bbolt file at path and returns a
// ready-to-use Store. Callers own the returned Store's lifecycle and must
// call Close on shutdown.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening identity store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing identity bucket: %w", err)
	}
	return &Store{db: db, log: logging.Named("identitystore")}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the identity record from disk, generating and persisting a
// new UUID and device API key on first boot.
func (s *Store) Load() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Identity, error) {
	if s.loaded {
		return s.identity, nil
	}

	var id Identity
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(recordKey)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &id)
	})
	if err != nil {
		return Identity{}, fmt.Errorf("loading identity: %w", err)
	}

	if !found {
		id = Identity{}
	}
	if id.UUID == "" {
		id.UUID = uuid.NewString()
	}
	if id.DeviceAPIKey == "" {
		key, err := generateHighEntropyKey()
		if err != nil {
			return Identity{}, fmt.Errorf("generating device api key: %w", err)
		}
		id.DeviceAPIKey = key
	}
	if id.OldDeviceAPIKey != "" && time.Now().UnixMilli() >= id.OldKeyExpiresAt {
		id.OldDeviceAPIKey = ""
		id.OldKeyExpiresAt = 0
	}

	if err := s.persistLocked(id); err != nil {
		return Identity{}, err
	}

	s.identity = id
	s.loaded = true
	return id, nil
}

func (s *Store) persistLocked(id Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(recordKey, raw)
	})
	if err != nil {
		return fmt.Errorf("persisting identity: %w", err)
	}
	return nil
}

// generateHighEntropyKey returns a 256-bit hex-encoded secret.
func generateHighEntropyKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ErrAlreadyProvisioned is returned by Register when called on an
// identity that already completed the handshake.
var ErrAlreadyProvisioned = errors.New("identity: device is already provisioned")

// Register runs the two-phase handshake: phase 1
// registers the device with the fleet key, phase 2 confirms the device
// key via key-exchange, and on success provisioned is set true and the
// provisioning key is deleted, atomically, in the same transaction.
func (s *Store) Register(ctx context.Context, reg Registrar, fleetKey string, metadata map[string]string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.loadLocked()
	if err != nil {
		return Identity{}, err
	}
	if id.Provisioned {
		return id, ErrAlreadyProvisioned
	}

	id.ProvisioningAPIKey = fleetKey
	if err := s.persistLocked(id); err != nil {
		return Identity{}, err
	}

	if err := reg.RegisterDevice(ctx, fleetKey, id.UUID, id.DeviceAPIKey, metadata); err != nil {
		return Identity{}, fmt.Errorf("phase 1 registration: %w", err)
	}
	if err := reg.KeyExchange(ctx, id.DeviceAPIKey, id.UUID); err != nil {
		return Identity{}, fmt.Errorf("phase 2 key exchange: %w", err)
	}

	id.Provisioned = true
	id.ProvisioningAPIKey = ""
	if err := s.persistLocked(id); err != nil {
		return Identity{}, err
	}
	s.identity = id
	s.log.Infof("device %s provisioned", id.UUID)
	return id, nil
}

// Rotate persists a new device API key, used both for MQTT-notified
// rotation and device-initiated rotation. The outgoing key is retained
// until gracePeriodEnds so in-flight and retried requests signed with it
// stay valid; a zero gracePeriodEnds gets a 24h default window.
func (s *Store) Rotate(newKey string, gracePeriodEnds time.Time) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.loadLocked()
	if err != nil {
		return Identity{}, err
	}
	if gracePeriodEnds.UnixMilli() <= 0 {
		gracePeriodEnds = time.Now().Add(24 * time.Hour)
	}
	id.OldDeviceAPIKey = id.DeviceAPIKey
	id.OldKeyExpiresAt = gracePeriodEnds.UnixMilli()
	id.DeviceAPIKey = newKey
	if err := s.persistLocked(id); err != nil {
		return Identity{}, err
	}
	s.identity = id
	s.log.Infof("device api key rotated, previous key valid until %s", gracePeriodEnds.Format(time.RFC3339))
	return id, nil
}

// FallbackKey returns the pre-rotation device key while the rotation
// grace window is still open.
func (s *Store) FallbackKey() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.loadLocked()
	if err != nil {
		return "", false
	}
	if id.OldDeviceAPIKey == "" || time.Now().UnixMilli() >= id.OldKeyExpiresAt {
		return "", false
	}
	return id.OldDeviceAPIKey, true
}

// RevertRotation restores the pre-rotation key as the active device key,
// used when the cloud rejects a freshly rotated key while the grace
// window is still open. Returns false if no unexpired old key exists.
func (s *Store) RevertRotation() (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.loadLocked()
	if err != nil {
		return Identity{}, false, err
	}
	if id.OldDeviceAPIKey == "" || time.Now().UnixMilli() >= id.OldKeyExpiresAt {
		return id, false, nil
	}
	id.DeviceAPIKey = id.OldDeviceAPIKey
	id.OldDeviceAPIKey = ""
	id.OldKeyExpiresAt = 0
	if err := s.persistLocked(id); err != nil {
		return Identity{}, false, err
	}
	s.identity = id
	s.log.Warnf("rotated key rejected, reverted to previous device key")
	return id, true, nil
}

// Deprovision reverts provisioned to false so a fresh handshake can run,
// used when the cloud client observes repeated 401s.
func (s *Store) Deprovision() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.loadLocked()
	if err != nil {
		return Identity{}, err
	}
	id.Provisioned = false
	if err := s.persistLocked(id); err != nil {
		return Identity{}, err
	}
	s.identity = id
	s.log.Warnf("device deprovisioned, re-registration required")
	return id, nil
}

// Clear wipes the identity record entirely. Used only by tests and
// factory-reset tooling outside this package's scope.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Delete(recordKey)
	})
	if err != nil {
		return fmt.Errorf("clearing identity: %w", err)
	}
	s.identity = Identity{}
	s.loaded = false
	return nil
}
