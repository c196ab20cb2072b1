// Package tokens implements the Token Refresher (§4.8): scheduled,
// preemptive, and on-demand renewal of upstream broker access tokens, with
// a durable one-file-per-account store and an in-memory view every other
// component reads through an atomic pointer (§5 "Token state ... consumers
// read via an atomic pointer to an immutable token record").
package tokens

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/marketstream/internal/domain"
)

// fileRecord is the on-disk shape for one account's token file (§6.5):
// "one file per account, mode 0600, fields {access_token, expires_at,
// issued_at}".
type fileRecord struct {
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store is the durable + in-memory token state for every account. Writes
// go through Set, which both persists to disk and swaps the in-memory
// atomic pointer. Reads take the store's map lock briefly to find the
// account's pointer and touch disk only on an account's first access.
type Store struct {
	dir string

	mu      sync.Mutex
	pointers map[string]*atomic.Pointer[domain.TokenState]
}

// NewStore creates a token store rooted at dir (one JSON file per account
// underneath it).
func NewStore(dir string) *Store {
	return &Store{
		dir:      dir,
		pointers: make(map[string]*atomic.Pointer[domain.TokenState]),
	}
}

func (s *Store) pointerFor(accountID string) *atomic.Pointer[domain.TokenState] {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pointers[accountID]
	if !ok {
		p = &atomic.Pointer[domain.TokenState]{}
		s.pointers[accountID] = p
	}
	return p
}

// Current returns the in-memory token state for accountID, loading it from
// disk on first access if present.
func (s *Store) Current(accountID string) (domain.TokenState, bool) {
	p := s.pointerFor(accountID)
	if ts := p.Load(); ts != nil {
		return *ts, true
	}

	rec, err := s.readFile(accountID)
	if err != nil {
		return domain.TokenState{}, false
	}
	ts := domain.TokenState{
		AccessToken: rec.AccessToken,
		IssuedAt:    rec.IssuedAt,
		ExpiresAt:   rec.ExpiresAt,
		Status:      domain.TokenFresh,
	}
	p.Store(&ts)
	return ts, true
}

// Set persists a new token state for accountID to disk and swaps the
// in-memory pointer. Only the Token Refresher calls this.
func (s *Store) Set(accountID string, ts domain.TokenState) error {
	if ts.Status == domain.TokenFresh {
		if err := s.writeFile(accountID, ts); err != nil {
			return err
		}
	}
	p := s.pointerFor(accountID)
	p.Store(&ts)
	return nil
}

func (s *Store) pathFor(accountID string) string {
	return filepath.Join(s.dir, accountID+".token.json")
}

func (s *Store) readFileInfo(accountID string) (os.FileInfo, error) {
	return os.Stat(s.pathFor(accountID))
}

func (s *Store) readFile(accountID string) (fileRecord, error) {
	data, err := os.ReadFile(s.pathFor(accountID))
	if err != nil {
		return fileRecord{}, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fileRecord{}, fmt.Errorf("tokens: decode %s: %w", accountID, err)
	}
	return rec, nil
}

func (s *Store) writeFile(accountID string, ts domain.TokenState) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("tokens: create token dir: %w", err)
	}
	rec := fileRecord{AccessToken: ts.AccessToken, IssuedAt: ts.IssuedAt, ExpiresAt: ts.ExpiresAt}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("tokens: encode %s: %w", accountID, err)
	}

	// Write to a temp file and rename so a crash mid-write never leaves a
	// half-written token file behind.
	tmp := s.pathFor(accountID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("tokens: write %s: %w", accountID, err)
	}
	if err := os.Rename(tmp, s.pathFor(accountID)); err != nil {
		return fmt.Errorf("tokens: rename %s: %w", accountID, err)
	}
	return nil
}
