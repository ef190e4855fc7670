package stream

import "sync"

// Process-wide provider instance shared by everything that renders or
// records live data. Guarded so tests can set up and tear down cleanly.
var (
	instanceMu sync.Mutex
	instance   *Provider
)

// Init creates the shared Provider from cfg and returns it. Any previous
// instance is disconnected before being replaced.
func Init(cfg Config) *Provider {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		instance.Disconnect()
	}
	instance = New(cfg)
	return instance
}

// Get returns the shared Provider, or nil when Init has not been called.
func Get() *Provider {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// Reset disconnects and discards the shared Provider.
func Reset() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		instance.Disconnect()
		instance = nil
	}
}
