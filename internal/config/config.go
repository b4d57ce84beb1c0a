// Package config loads spec.md §6's configuration file (JSON on disk) and
// the handful of process-level settings (config path, listen address) that
// must be known before the file can even be located, in the teacher's
// getEnv*/godotenv idiom.
package config

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/joho/godotenv"

	"github.com/mroxso/signetd/internal/model"
)

// KillSwitch is the remote-command channel config, spec.md §6
// "killSwitch.*": an admin DM channel that can trigger emergency actions.
// Wiring the channel itself is out of scope; the shape is carried so a
// future dashboard/admin surface can read it.
type KillSwitch struct {
	AdminNpub   string   `json:"adminNpub,omitempty"`
	AdminRelays []string `json:"adminRelays,omitempty"`
	DMType      string   `json:"dmType,omitempty"`
}

// File is the on-disk shape of spec.md §6's configuration file.
type File struct {
	Nostr struct {
		Relays []string `json:"relays"`
	} `json:"nostr"`

	Admin struct {
		Key    string `json:"key"`    // process identity key, nsec or hex
		Secret string `json:"secret"` // default durable admin secret for connect handshakes
	} `json:"admin"`

	// Keys seeds the repository on first run: name -> KeyRecord body. Once
	// loaded, the repository is the source of truth; this section is not
	// rewritten by the running process.
	Keys map[string]model.KeyRecord `json:"keys"`

	BaseURL string `json:"baseUrl,omitempty"`

	// Dashboard HTTP surface; out of scope per spec.md §1, carried through
	// so a future REST mirror has somewhere to read it from.
	AuthPort       int      `json:"authPort,omitempty"`
	AuthHost       string   `json:"authHost,omitempty"`
	JWTSecret      string   `json:"jwtSecret,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	RequireAuth    bool     `json:"requireAuth,omitempty"`

	KillSwitch KillSwitch `json:"killSwitch,omitempty"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ProcessEnv is the small set of process-level knobs read from the
// environment before the configuration file is even located, mirroring the
// teacher's LoadConfig env-var surface.
type ProcessEnv struct {
	ConfigPath string
	DataDir    string
	ListenAddr string
}

// LoadProcessEnv loads .env (missing .env is not fatal here, unlike the
// teacher — this daemon may run entirely from real environment variables in
// a container) and reads the process-level settings.
func LoadProcessEnv() ProcessEnv {
	_ = godotenv.Load(".env")
	return ProcessEnv{
		ConfigPath: getEnvWithDefault("SIGNETD_CONFIG", "signetd.json"),
		DataDir:    getEnvWithDefault("SIGNETD_DATA_DIR", "./data"),
		ListenAddr: getEnvWithDefault("SIGNETD_LISTEN", ":4869"),
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

// Manager holds the loaded File in memory and mirrors vault key renames into
// it. The repository remains the source of truth for KeyRecord contents
// once the process is running; Manager's copy only tracks the name a
// dashboard-style consumer would display.
type Manager struct {
	mu   sync.RWMutex
	file *File
}

// NewManager wraps an already-loaded File.
func NewManager(f *File) *Manager {
	return &Manager{file: f}
}

// Snapshot returns a shallow copy of the current File for read-only use.
func (m *Manager) Snapshot() File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.file
}

// OnKeyRenamed implements vault.RenameNotifier: it keeps Manager's in-memory
// Keys map consistent with the vault's naming so any consumer reading
// Snapshot().Keys sees the current name.
func (m *Manager) OnKeyRenamed(oldName, newName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.file.Keys[oldName]
	if !ok {
		return
	}
	delete(m.file.Keys, oldName)
	rec.Name = newName
	m.file.Keys[newName] = rec
}
