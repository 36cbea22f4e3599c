package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modusnapd/internal/common/fsutil"
	"modusnapd/internal/faults"
	"modusnapd/pkg/types"
)

const (
	keyPrefix   = "msnp_"
	keyRandLen  = 24
	maxKeys     = 100
	KeysFile    = "modusnap_api_keys.json"
)

// KeyStore persists issued API keys under the backend user dir.
type KeyStore struct {
	mu   sync.Mutex
	path string
}

type keysFileShape struct {
	Keys []types.APIKey `json:"keys"`
}

// NewKeyStore opens the store at path.
func NewKeyStore(path string) *KeyStore {
	return &KeyStore{path: path}
}

func (s *KeyStore) load() []types.APIKey {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var f keysFileShape
	if err := json.Unmarshal(b, &f); err != nil {
		return nil
	}
	return f.Keys
}

func (s *KeyStore) save(keys []types.APIKey) error {
	b, err := json.MarshalIndent(keysFileShape{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, b, 0o600)
}

// Create mints a new key. The secret is returned once and never listed again.
func (s *KeyStore) Create(label string) (types.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.load()
	if len(keys) >= maxKeys {
		return types.APIKey{}, faults.New(faults.InvalidArg, "key limit of %d reached", maxKeys)
	}
	raw := make([]byte, keyRandLen)
	if _, err := rand.Read(raw); err != nil {
		return types.APIKey{}, faults.New(faults.Internal, "rng: %v", err)
	}
	key := types.APIKey{
		ID:        uuid.NewString(),
		Label:     label,
		Key:       keyPrefix + hex.EncodeToString(raw),
		CreatedAt: time.Now().UTC(),
	}
	keys = append(keys, key)
	if err := s.save(keys); err != nil {
		return types.APIKey{}, err
	}
	return key, nil
}

// List returns the keys without their secrets.
func (s *KeyStore) List() []types.APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.load()
	out := make([]types.APIKey, 0, len(keys))
	for _, k := range keys {
		k.Key = ""
		out = append(out, k)
	}
	return out
}

// Revoke marks a key unusable; the record stays for audit.
func (s *KeyStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.load()
	for i := range keys {
		if keys[i].ID == id {
			keys[i].Revoked = true
			return s.save(keys)
		}
	}
	return faults.New(faults.NotFound, "api key %s", id)
}

// Verify reports whether the presented secret matches a live key.
func (s *KeyStore) Verify(secret string) bool {
	if secret == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.load() {
		if k.Revoked {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(secret)) == 1 {
			return true
		}
	}
	return false
}

// openPaths are reachable without a key.
var openPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// AuthMiddleware requires a valid key on every API route when enabled. The
// key arrives as Authorization: Bearer <key> or X-Api-Key.
func AuthMiddleware(store *KeyStore, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !required || openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			secret := r.Header.Get("X-Api-Key")
			if secret == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					secret = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if !store.Verify(secret) {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
