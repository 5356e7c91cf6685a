package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// API key format constants. Keys look like "avesa_ak_" + 64 hex chars.
	keyPrefix       = "avesa_ak_"
	randomBytesSize = 32
	apiKeyLength    = len(keyPrefix) + randomBytesSize*2
	maskPrefixLen   = len(keyPrefix) + 4 // Show "avesa_ak_1234"
	maskSuffixLen   = 4                  // Show last 4 chars

	// bcryptCost defines the computational cost for bcrypt hashing.
	bcryptCost  = 10
	bcryptLimit = 72
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrClientIDEmpty is returned when the client ID is empty during key generation.
	ErrClientIDEmpty = errors.New("client ID cannot be empty")
	// ErrInvalidKeyFormat is returned when an API key does not match the expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
)

type (
	// Key represents an ops API key with client identification and permissions.
	// Clients are the callers of the operational API: audit schedulers,
	// deployment tooling, dashboards.
	Key struct {
		ID          string     `json:"id"`
		Key         string     `json:"key"`
		ClientID    string     `json:"clientId"`
		Name        string     `json:"name"`
		Permissions []string   `json:"permissions"`
		CreatedAt   time.Time  `json:"createdAt"`
		ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
		Active      bool       `json:"active"`
	}

	// KeyStore defines the interface for API key storage and retrieval.
	KeyStore interface {
		// FindByKey retrieves an API key by its key value
		FindByKey(key string) (*Key, bool)
		// Add stores a new API key
		Add(apiKey *Key) error
		// Update modifies an existing API key
		Update(apiKey *Key) error
		// Delete removes an API key
		Delete(keyID string) error
		// ListByClient returns all API keys for a specific client
		ListByClient(clientID string) ([]*Key, error)
	}
)

// GenerateKeyString produces a fresh random API key in the avesa_ak_ format.
func GenerateKeyString() (string, error) {
	buf := make([]byte, randomBytesSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}

	return keyPrefix + hex.EncodeToString(buf), nil
}

// ValidateKeyFormat checks that a key string has the expected shape before
// any store lookup happens.
func ValidateKeyFormat(key string) error {
	if !strings.HasPrefix(key, keyPrefix) || len(key) != apiKeyLength {
		return ErrInvalidKeyFormat
	}

	return nil
}

// ValidateKey performs constant-time comparison of the provided key against
// this API key, honoring active status and expiration.
func (k *Key) ValidateKey(providedKey string) bool {
	if providedKey == "" || k.Key == "" {
		return false
	}

	if !k.Active {
		return false
	}

	if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
		return false
	}

	return SecureCompare(k.Key, providedKey)
}

// HasPermission checks if the API key has a specific permission.
func (k *Key) HasPermission(permission string) bool {
	for _, p := range k.Permissions {
		if p == permission {
			return true
		}
	}

	return false
}

// SecureCompare performs constant-time comparison of two strings to prevent timing attacks.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Compare against a dummy of the same length to stay constant time.
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks an API key for logging, showing only the prefix and suffix.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	if len(key) != apiKeyLength {
		return "***"
	}

	return key[:maskPrefixLen] + "..." + key[len(key)-maskSuffixLen:]
}

// HashAPIKey generates a bcrypt hash of the API key for secure storage.
// Only the hash is ever persisted.
//
// Bcrypt has a 72-byte input limit; longer keys are pre-hashed with SHA-256.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash performs constant-time comparison of an API key against a
// bcrypt hash. Returns false for any error condition.
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}

// bcryptInput applies the shared pre-hashing rule for over-length keys. Both
// hash and compare must use it or long keys would never validate.
func bcryptInput(apiKey string) []byte {
	if len(apiKey) > bcryptLimit {
		sum := sha256.Sum256([]byte(apiKey))

		return sum[:]
	}

	return []byte(apiKey)
}

// InMemoryKeyStore provides thread-safe in-memory storage for API keys.
type InMemoryKeyStore struct {
	// keys maps key strings to Key structs for fast lookup
	keys map[string]*Key
	// keysByID maps key IDs to Key structs for ID-based operations
	keysByID map[string]*Key
	// keysByClient maps client IDs to slices of Key structs for client filtering
	keysByClient map[string][]*Key
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex
}

// Compile-time interface assertion.
var _ KeyStore = (*InMemoryKeyStore)(nil)

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:         make(map[string]*Key),
		keysByID:     make(map[string]*Key),
		keysByClient: make(map[string][]*Key),
	}
}

// FindByKey retrieves an API key by its key value.
func (s *InMemoryKeyStore) FindByKey(key string) (*Key, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	apiKey, exists := s.keys[key]
	if !exists {
		return nil, false
	}

	// Return a copy to prevent external modification
	keyCopy := *apiKey

	return &keyCopy, true
}

// Add stores a new API key.
func (s *InMemoryKeyStore) Add(apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keysByID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	keyCopy := *apiKey

	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy
	s.keysByClient[keyCopy.ClientID] = append(s.keysByClient[keyCopy.ClientID], &keyCopy)

	return nil
}

// Update modifies an existing API key.
func (s *InMemoryKeyStore) Update(apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existingKey, exists := s.keysByID[apiKey.ID]
	if !exists {
		return ErrKeyNotFound
	}

	s.removeFromClientMap(existingKey.ClientID, existingKey.ID)

	if existingKey.Key != apiKey.Key {
		delete(s.keys, existingKey.Key)
	}

	keyCopy := *apiKey

	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy
	s.keysByClient[keyCopy.ClientID] = append(s.keysByClient[keyCopy.ClientID], &keyCopy)

	return nil
}

// Delete removes an API key.
func (s *InMemoryKeyStore) Delete(keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existingKey, exists := s.keysByID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	delete(s.keys, existingKey.Key)
	delete(s.keysByID, keyID)
	s.removeFromClientMap(existingKey.ClientID, keyID)

	return nil
}

// ListByClient returns all API keys for a specific client.
func (s *InMemoryKeyStore) ListByClient(clientID string) ([]*Key, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys, exists := s.keysByClient[clientID]
	if !exists {
		return []*Key{}, nil
	}

	result := make([]*Key, len(keys))
	for i, key := range keys {
		keyCopy := *key
		result[i] = &keyCopy
	}

	return result, nil
}

// LoadKeyStoreFile reads a JSON array of API keys from disk into an
// in-memory store. Keys with an invalid format are rejected so a typo in the
// key file surfaces at startup rather than as silent auth failures.
func LoadKeyStoreFile(path string) (*InMemoryKeyStore, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		return nil, fmt.Errorf("failed to read API key file: %w", err)
	}

	var keys []Key
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("malformed API key file %s: %w", path, err)
	}

	store := NewInMemoryKeyStore()

	for i := range keys {
		if err := ValidateKeyFormat(keys[i].Key); err != nil {
			return nil, fmt.Errorf("key %s: %w", keys[i].ID, err)
		}

		if err := store.Add(&keys[i]); err != nil {
			return nil, fmt.Errorf("key %s: %w", keys[i].ID, err)
		}
	}

	return store, nil
}

// removeFromClientMap removes a key from the client map by key ID.
// Caller must hold write lock.
func (s *InMemoryKeyStore) removeFromClientMap(clientID, keyID string) {
	keys := s.keysByClient[clientID]
	for i, key := range keys {
		if key.ID == keyID {
			s.keysByClient[clientID] = append(keys[:i], keys[i+1:]...)

			break
		}
	}

	if len(s.keysByClient[clientID]) == 0 {
		delete(s.keysByClient, clientID)
	}
}
