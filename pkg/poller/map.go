package poller

import (
	"sort"
	"sync"

	"github.com/citywater/citywater/pkg/city4u"
	"github.com/citywater/citywater/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Map is the explicit registry of pollers, keyed by account/meter pair. It is
// owned by the top-level process; there is no ambient singleton.
type Map struct {
	mu      sync.Mutex
	pollers map[string]*Poller
	cfg     city4u.Config
}

// NewMap creates an empty registry.
func NewMap() *Map {
	return &Map{pollers: make(map[string]*Poller)}
}

// Configured builds the registry from flags. Accounts are configured as a
// JSON array of credentials; each gets an independent poller with no shared
// state between them.
func Configured() *Map {
	m := NewMap()

	var accounts []types.Credentials
	lflag.JSON(&accounts, "accounts", accounts, `JSON array of accounts, e.g. [{"username":"u","password":"p","customerID":"812100","meterNumber":"123"}]`)
	baseURL := lflag.String("city4u-base-url", city4u.DefaultBaseURL, "City4U portal base URL")
	insecure := lflag.Bool("insecure-skip-verify", false, "Disable TLS certificate verification for the City4U host (its production certificate fails validation). Insecure; opt in knowingly.")

	lflag.Do(func() {
		cfg := city4u.Config{
			BaseURL:            *baseURL,
			InsecureSkipVerify: *insecure,
		}
		m.cfg = cfg
		for _, creds := range accounts {
			m.Register(creds, cfg)
		}
	})

	return m
}

// Config returns the API configuration shared by the registered pollers.
func (m *Map) Config() city4u.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Register creates (or returns) the poller for the given credentials.
func (m *Map) Register(creds types.Credentials, cfg city4u.Config) *Poller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pollers[creds.Key()]; ok {
		return p
	}
	if m.cfg == (city4u.Config{}) {
		m.cfg = cfg
	}
	p := New(city4u.New(cfg, creds))
	m.pollers[creds.Key()] = p
	return p
}

// Get returns the poller for a registry key.
func (m *Map) Get(key string) (*Poller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pollers[key]
	return p, ok
}

// All returns every registered poller in stable key order.
func (m *Map) All() []*Poller {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.pollers))
	for k := range m.pollers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*Poller, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.pollers[k])
	}
	return out
}

// Set stores a poller directly. Primarily used for testing.
func (m *Map) Set(key string, p *Poller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollers[key] = p
}
