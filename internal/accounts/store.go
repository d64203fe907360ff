// Package accounts implements the user-account collaborator on top of the
// document store's users database.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"zeitgate.org/internal/auth"
	"zeitgate.org/internal/couch"
	"zeitgate.org/internal/ids"
)

// Store persists accounts as documents. It satisfies auth.AccountStore.
type Store struct {
	client *couch.Client
	db     string
}

// NewStore builds a store over the given database.
func NewStore(client *couch.Client, db string) *Store {
	return &Store{client: client, db: db}
}

// Get loads an account by document id.
func (s *Store) Get(ctx context.Context, id string) (*auth.Account, error) {
	var acct auth.Account
	if err := s.client.Get(ctx, s.db, id, &acct); err != nil {
		if couch.IsStatus(err, http.StatusNotFound) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get %s: %w", id, err)
	}
	return &acct, nil
}

// FindByEmail loads the account registered under the given email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, auth.ErrNotFound
	}
	var docs []auth.Account
	query := couch.FindQuery{
		Selector: map[string]any{"email": email},
		Limit:    1,
	}
	if err := s.client.Find(ctx, s.db, query, &docs); err != nil {
		return nil, fmt.Errorf("accounts: find by email: %w", err)
	}
	if len(docs) == 0 {
		return nil, auth.ErrNotFound
	}
	acct := docs[0]
	return &acct, nil
}

// Create stores a new account under a fresh id and records the assigned
// revision on the struct.
func (s *Store) Create(ctx context.Context, acct *auth.Account) error {
	if acct.ID == "" {
		// Plain ULID: account ids double as the ownership segment inside
		// document ids (entry:<id>:...), which splits on colons.
		acct.ID = ids.New()
	}
	acct.Rev = ""
	rev, err := s.client.Put(ctx, s.db, acct.ID, acct)
	if err != nil {
		if couch.IsStatus(err, http.StatusConflict) {
			return auth.ErrConflict
		}
		return fmt.Errorf("accounts: create: %w", err)
	}
	acct.Rev = rev
	return nil
}

// Update writes the account conditioned on acct.Rev. A concurrent writer
// that advanced the revision first makes this fail with auth.ErrConflict.
func (s *Store) Update(ctx context.Context, acct *auth.Account) error {
	if acct.ID == "" || acct.Rev == "" {
		return errors.New("accounts: update requires id and revision")
	}
	rev, err := s.client.Put(ctx, s.db, acct.ID, acct)
	if err != nil {
		if couch.IsStatus(err, http.StatusConflict) {
			return auth.ErrConflict
		}
		return fmt.Errorf("accounts: update %s: %w", acct.ID, err)
	}
	acct.Rev = rev
	return nil
}
