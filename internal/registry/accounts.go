package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/marketstream/internal/domain"
)

// CredentialStore yields decrypted account credentials. Secret/KMS
// decryption is an external collaborator per §1; this is the seam the
// account roster calls to populate domain.Account.Credentials at load
// time.
type CredentialStore interface {
	Credentials(accountID string) (domain.Credentials, error)
}

// AccountRoster holds the live set of accounts, created from the
// credential store at startup and reloaded on configuration change
// (§3 "Account" lifecycle). Reads/writes go through a mutex since the
// roster changes far less often than instrument lookups and does not need
// copy-on-write's read-without-locking property.
type AccountRoster struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
	creds    CredentialStore
}

// NewAccountRoster constructs an empty roster backed by a credential
// store.
func NewAccountRoster(creds CredentialStore) *AccountRoster {
	return &AccountRoster{
		accounts: make(map[string]*domain.Account),
		creds:    creds,
	}
}

// Register creates or replaces an account entry, fetching its credentials
// from the store.
func (r *AccountRoster) Register(id, broker string, priority int, policy domain.ModePolicy) error {
	creds, err := r.creds.Credentials(id)
	if err != nil {
		return fmt.Errorf("registry: fetch credentials for %q: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[id] = &domain.Account{
		ID:          id,
		Broker:      broker,
		Credentials: creds,
		Priority:    priority,
		Policy:      policy,
		CurrentMode: domain.ModeOff,
	}
	return nil
}

// Deregister removes an account explicitly (§3 "destroyed on explicit
// deregistration").
func (r *AccountRoster) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, id)
}

// Get returns the account by ID.
func (r *AccountRoster) Get(id string) (*domain.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// LiveSortedByPriority returns every account currently in LIVE mode,
// ordered by ascending Priority and then lexicographic ID for the
// Subscription Reconciler's deterministic tie-break (§4.4).
func (r *AccountRoster) LiveSortedByPriority() []*domain.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		if a.CurrentMode == domain.ModeLive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// All returns every registered account, for diagnostics/iteration.
func (r *AccountRoster) All() []*domain.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	return out
}
