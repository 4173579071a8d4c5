package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/floegence/turnengine/internal/config"
)

// ErrAPIKeyMissing is returned when neither the env var nor the secrets file
// carries a key for a provider.
var ErrAPIKeyMissing = errors.New("provider api key not configured")

// KeyStore persists provider API keys to a local JSON file (mode 0600).
//
// Keys are never written into config.yaml and never echoed back by the
// HTTP surface; callers only see whether a key is set.
type KeyStore struct {
	path string
	mu   sync.Mutex
}

func NewKeyStore(path string) *KeyStore {
	return &KeyStore{path: filepath.Clean(strings.TrimSpace(path))}
}

func (s *KeyStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type keysFile struct {
	SchemaVersion   int               `json:"schema_version"`
	ProviderAPIKeys map[string]string `json:"provider_api_keys,omitempty"`
}

func (s *KeyStore) Get(providerID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil key store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", false, errors.New("missing provider id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v := strings.TrimSpace(kf.ProviderAPIKeys[providerID])
	return v, v != "", nil
}

func (s *KeyStore) Set(providerID string, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("missing api key")
	}
	return s.update(providerID, &apiKey)
}

func (s *KeyStore) Clear(providerID string) error {
	return s.update(providerID, nil)
}

// Status reports which of the given providers have a stored key.
func (s *KeyStore) Status(providerIDs []string) (map[string]bool, error) {
	if s == nil {
		return nil, errors.New("nil key store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kf, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(providerIDs))
	for _, id := range providerIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = strings.TrimSpace(kf.ProviderAPIKeys[id]) != ""
	}
	return out, nil
}

// Providers lists provider ids with a stored key, sorted.
func (s *KeyStore) Providers() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil key store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kf, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kf.ProviderAPIKeys))
	for id := range kf.ProviderAPIKeys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Resolve returns the API key for p. The env var named by api_key_env wins
// over the secrets file.
func (s *KeyStore) Resolve(p config.Provider) (string, error) {
	if v, ok := p.APIKeyFromEnv(); ok {
		return v, nil
	}
	if s == nil || s.Path() == "" {
		return "", fmt.Errorf("%w: %s", ErrAPIKeyMissing, p.ID)
	}
	v, ok, err := s.Get(p.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAPIKeyMissing, p.ID)
	}
	return v, nil
}

func (s *KeyStore) update(providerID string, apiKey *string) error {
	if s == nil {
		return errors.New("nil key store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("missing provider id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if kf.ProviderAPIKeys == nil {
		kf.ProviderAPIKeys = make(map[string]string)
	}
	if apiKey == nil {
		delete(kf.ProviderAPIKeys, providerID)
	} else {
		kf.ProviderAPIKeys[providerID] = *apiKey
	}
	if len(kf.ProviderAPIKeys) == 0 {
		kf.ProviderAPIKeys = nil
	}
	return s.saveLocked(kf)
}

func (s *KeyStore) loadLocked() (*keysFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &keysFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var kf keysFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if kf.SchemaVersion == 0 {
		kf.SchemaVersion = 1
	}
	return &kf, nil
}

func (s *KeyStore) saveLocked(kf *keysFile) error {
	path := strings.TrimSpace(s.path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
