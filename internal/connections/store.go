// Package connections manages named database connection profiles with
// encrypted at-rest storage, so credentials never touch disk in the
// clear.
package connections

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNotFound is returned when no profile exists under the given name.
var ErrNotFound = errors.New("connection not found")

// Profile holds the full credentials for one saved connection.
type Profile struct {
	Host        string     `json:"host"`
	Database    string     `json:"database"`
	User        string     `json:"user"`
	Password    string     `json:"password"`
	Port        int        `json:"port"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

// SafeProfile is a profile with the password stripped, for listing and
// export.
type SafeProfile struct {
	Name        string     `json:"name"`
	Host        string     `json:"host"`
	Database    string     `json:"database"`
	User        string     `json:"user"`
	Port        int        `json:"port"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

// Store persists profiles as a secretbox-encrypted JSON blob. The key
// is created on first use and kept in a separate 0600 file.
type Store struct {
	path     string
	key      [32]byte
	mu       sync.Mutex
	profiles map[string]Profile
}

// Open loads (or initializes) the store at path, creating the
// encryption key at keyPath if it does not exist yet.
func Open(path, keyPath string) (*Store, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path, key: key, profiles: map[string]Profile{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadOrCreateKey(keyPath string) ([32]byte, error) {
	var key [32]byte

	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		if len(data) != len(key) {
			return key, fmt.Errorf("key file %s: want %d bytes, have %d", keyPath, len(key), len(data))
		}
		copy(key[:], data)
		return key, nil
	case errors.Is(err, os.ErrNotExist):
		if _, err := rand.Read(key[:]); err != nil {
			return key, fmt.Errorf("generate encryption key: %w", err)
		}
		if err := os.WriteFile(keyPath, key[:], 0o600); err != nil {
			return key, fmt.Errorf("write key file: %w", err)
		}
		return key, nil
	default:
		return key, fmt.Errorf("read key file: %w", err)
	}
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read connections file: %w", err)
	}

	plain, err := s.decrypt(data)
	if err != nil {
		return fmt.Errorf("decrypt connections file: %w", err)
	}
	if err := json.Unmarshal(plain, &s.profiles); err != nil {
		return fmt.Errorf("decode connections file: %w", err)
	}
	return nil
}

// save must be called with s.mu held.
func (s *Store) save() error {
	plain, err := json.Marshal(s.profiles)
	if err != nil {
		return fmt.Errorf("encode connections: %w", err)
	}
	sealed, err := s.encrypt(plain)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("write connections file: %w", err)
	}
	return nil
}

func (s *Store) encrypt(plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

func (s *Store) decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errors.New("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("decryption failed (wrong key?)")
	}
	return plain, nil
}

// Add creates or updates a profile. Updating keeps the original
// creation timestamp.
func (s *Store) Add(name string, p Profile) (SafeProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.CreatedAt = time.Now()
	p.LastUsed = nil
	if prev, ok := s.profiles[name]; ok {
		p.CreatedAt = prev.CreatedAt
	}
	if p.Port == 0 {
		p.Port = 5432
	}

	s.profiles[name] = p
	if err := s.save(); err != nil {
		return SafeProfile{}, err
	}
	return safe(name, p), nil
}

// Get returns the full profile and stamps its last-used time.
func (s *Store) Get(name string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[name]
	if !ok {
		return Profile{}, ErrNotFound
	}

	now := time.Now()
	p.LastUsed = &now
	s.profiles[name] = p
	if err := s.save(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// List returns every profile without passwords, sorted by name.
func (s *Store) List() []SafeProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SafeProfile, 0, len(names))
	for _, name := range names {
		out = append(out, safe(name, s.profiles[name]))
	}
	return out
}

// Delete removes a profile. Returns ErrNotFound if it did not exist.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[name]; !ok {
		return ErrNotFound
	}
	delete(s.profiles, name)
	return s.save()
}

// ConnString builds a postgres connection URL for the named profile.
func (s *Store) ConnString(name string) (string, error) {
	p, err := s.Get(name)
	if err != nil {
		return "", err
	}
	return BuildConnString(p), nil
}

// BuildConnString renders a profile as a postgres:// URL usable by pgx.
func BuildConnString(p Profile) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   p.Host + ":" + strconv.Itoa(p.Port),
		Path:   "/" + p.Database,
	}
	return u.String()
}

// Export returns a shareable copy of a profile. The password is only
// included when explicitly requested.
func (s *Store) Export(name string, includePassword bool) (map[string]any, error) {
	s.mu.Lock()
	p, ok := s.profiles[name]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	out := map[string]any{
		"name":        name,
		"host":        p.Host,
		"database":    p.Database,
		"user":        p.User,
		"port":        p.Port,
		"description": p.Description,
	}
	if includePassword {
		out["password"] = p.Password
	}
	return out, nil
}

// Import adds a previously exported profile, generating a name when the
// export carries none.
func (s *Store) Import(name string, p Profile) (SafeProfile, error) {
	if name == "" {
		name = "imported_" + time.Now().Format("20060102_150405")
	}
	if p.Description == "" {
		p.Description = "Imported connection"
	}
	return s.Add(name, p)
}

func safe(name string, p Profile) SafeProfile {
	return SafeProfile{
		Name:        name,
		Host:        p.Host,
		Database:    p.Database,
		User:        p.User,
		Port:        p.Port,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		LastUsed:    p.LastUsed,
	}
}
