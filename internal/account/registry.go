// Package account implements the account registry (the "pm" manager).
//
// The registry validates raw user entries from the configuration, owns the
// per-account identity and enable state, and announces accounts on the bus.
// API credentials stay inside the registry; other managers receive only the
// user id and look credentials up through the Credentials method, so secrets
// never transit the journal.
package account

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"perpgrid/internal/bus"
	"perpgrid/internal/config"
	"perpgrid/pkg/types"
)

// Account is one validated trading account.
type Account struct {
	UserID    string
	Name      string
	APIKey    string
	APISecret string
	Strategy  string
	Testnet   bool
	Enabled   bool
}

// Registry validates and owns all accounts.
type Registry struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewRegistry creates an empty registry bound to the bus.
func NewRegistry(b *bus.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		bus:      b,
		logger:   logger.With("component", "pm"),
		accounts: make(map[string]*Account),
	}
}

// LoadAccounts validates every configured user entry. Valid entries are
// stored and announced with pm.account.loaded; invalid entries are skipped
// and reported with pm.load.failed. After the batch, pm.manager.ready carries
// the counts and the loaded user ids.
func (r *Registry) LoadAccounts(users map[string]config.UserConfig) {
	// Deterministic load order keeps logs and the journal stable.
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var loaded []string
	var failed int

	for _, id := range ids {
		uc := users[id]
		if err := validateEntry(id, uc); err != nil {
			failed++
			r.logger.Warn("skipping invalid account", "user_id", id, "reason", err)
			r.bus.Publish(bus.NewEvent(types.TopicAccountFailed, map[string]any{
				"user_id": id,
				"reason":  err.Error(),
			}).WithSource("pm"))
			continue
		}

		acct := &Account{
			UserID:    id,
			Name:      uc.Name,
			APIKey:    uc.APIKey,
			APISecret: uc.APISecret,
			Strategy:  uc.Strategy,
			Testnet:   uc.Testnet != nil && *uc.Testnet,
			Enabled:   true,
		}

		r.mu.Lock()
		r.accounts[id] = acct
		r.mu.Unlock()

		loaded = append(loaded, id)
		r.logger.Info("account loaded", "user_id", id, "name", acct.Name, "strategy", acct.Strategy)
		r.bus.Publish(bus.NewEvent(types.TopicAccountLoaded, map[string]any{
			"user_id":  id,
			"name":     acct.Name,
			"strategy": acct.Strategy,
			"testnet":  acct.Testnet,
		}).WithSource("pm"))
	}

	r.bus.Publish(bus.NewEvent(types.TopicPMReady, map[string]any{
		"loaded":   len(loaded),
		"failed":   failed,
		"user_ids": loaded,
	}).WithSource("pm"))
}

func validateEntry(id string, uc config.UserConfig) error {
	if id == "" {
		return fmt.Errorf("user id is empty")
	}
	if uc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if uc.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if uc.APISecret == "" {
		return fmt.Errorf("api_secret is required")
	}
	if uc.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	return nil
}

// Get returns the account for a user id, or nil if unknown.
func (r *Registry) Get(userID string) *Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.accounts[userID]; ok {
		out := *a
		return &out
	}
	return nil
}

// Credentials returns the API key pair for a user. The data engine uses this
// read-only lookup when building clients; credentials are never published.
func (r *Registry) Credentials(userID string) (apiKey, apiSecret string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, found := r.accounts[userID]
	if !found {
		return "", "", false
	}
	return a.APIKey, a.APISecret, true
}

// Enable marks an account enabled and announces it.
func (r *Registry) Enable(userID string) error {
	return r.setEnabled(userID, true, types.TopicAccountEnabled)
}

// Disable marks an account disabled and announces it.
func (r *Registry) Disable(userID string) error {
	return r.setEnabled(userID, false, types.TopicAccountDisabled)
}

func (r *Registry) setEnabled(userID string, enabled bool, topic string) error {
	r.mu.Lock()
	a, ok := r.accounts[userID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown account %q", userID)
	}
	a.Enabled = enabled
	r.mu.Unlock()

	r.bus.Publish(bus.NewEvent(topic, map[string]any{"user_id": userID}).WithSource("pm"))
	return nil
}

// UserIDs returns all loaded user ids, sorted.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
