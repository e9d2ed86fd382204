package proxyconfig

import "sync/atomic"

// Holder owns the single active Config and lets callers swap it atomically
// on reload. Sessions bind to the descriptor in effect at accept time, so a
// swap never perturbs an in-flight session's view of its own pool.
type Holder struct {
	configPath string
	current    atomic.Pointer[Config]
}

// NewHolder loads the initial configuration and returns a holder wrapping it.
func NewHolder(configPath string) (*Holder, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	h := &Holder{configPath: configPath}
	h.current.Store(cfg)
	return h, nil
}

// Get returns the currently active configuration. The returned pointer is
// never mutated in place; reload installs a new one.
func (h *Holder) Get() *Config {
	return h.current.Load()
}

// Reload re-reads the on-disk configuration and atomically swaps it in.
// On parse/validation failure the previous configuration remains active and
// the error is returned for the caller (the reload HTTP handler) to report;
// active sessions are never torn down on a failed reload.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.configPath)
	if err != nil {
		return nil, err
	}
	h.current.Store(cfg)
	return cfg, nil
}
