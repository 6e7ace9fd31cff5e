package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Well-known secret names.
const (
	SecretModelAPIKey      = "model_api_key"
	SecretBraveAPIKey      = "brave_api_key"
	SecretGenerationAPIKey = "generation_api_key"
)

// SecretsStore persists user-managed secrets to a local file.
//
// It is intentionally separate from config.yaml: config.yaml is safe to share, secrets.json is not.
// Secrets must never be returned to a client in plaintext, only "is set" status.
type SecretsStore struct {
	path string
	mu   sync.Mutex

	getenv func(string) string
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path)), getenv: os.Getenv}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int               `json:"schema_version"`
	Keys          map[string]string `json:"keys,omitempty"`
}

func (s *SecretsStore) getLocked(name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, errors.New("missing secret name")
	}
	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v := strings.TrimSpace(sf.Keys[name])
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (s *SecretsStore) Get(name string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(name)
}

// Resolve returns the stored secret, falling back to the environment variable envVar.
func (s *SecretsStore) Resolve(name string, envVar string) (string, error) {
	v, ok, err := s.Get(name)
	if err != nil {
		return "", err
	}
	if ok {
		return v, nil
	}
	if envVar = strings.TrimSpace(envVar); envVar != "" && s.getenv != nil {
		return strings.TrimSpace(s.getenv(envVar)), nil
	}
	return "", nil
}

func (s *SecretsStore) Set(name string, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("missing secret value")
	}
	return s.ApplyPatches([]Patch{{Name: name, Value: &value}})
}

func (s *SecretsStore) Clear(name string) error {
	return s.ApplyPatches([]Patch{{Name: name}})
}

type Patch struct {
	Name string
	// Value is the new secret. If nil, the secret is cleared.
	Value *string
}

func (s *SecretsStore) ApplyPatches(patches []Patch) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	if len(patches) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.Keys == nil {
		sf.Keys = make(map[string]string)
	}
	for i := range patches {
		p := patches[i]
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return errors.New("missing secret name")
		}
		if p.Value == nil {
			delete(sf.Keys, name)
			continue
		}
		v := strings.TrimSpace(*p.Value)
		if v == "" {
			return errors.New("missing secret value")
		}
		sf.Keys[name] = v
	}
	if len(sf.Keys) == 0 {
		sf.Keys = nil
	}
	return s.saveLocked(sf)
}

// Status reports which secrets are set, without their values.
func (s *SecretsStore) Status() (map[string]bool, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	names := []string{SecretModelAPIKey, SecretBraveAPIKey, SecretGenerationAPIKey}
	for name := range sf.Keys {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]bool, len(names))
	for _, name := range names {
		out[name] = strings.TrimSpace(sf.Keys[name]) != ""
	}
	return out, nil
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	if sf == nil {
		return errors.New("nil secrets")
	}
	path := strings.TrimSpace(s.path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(sf, "", "  ")
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
