package auth

import "context"

// AccountStore is the slice of the user-account collaborator the token
// authority and the auth endpoints need.
type AccountStore interface {
	// Get loads an account by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Account, error)
	// FindByEmail loads an account by normalized email. Returns ErrNotFound
	// when absent.
	FindByEmail(ctx context.Context, email string) (*Account, error)
	// Create stores a new account and fills in its id and revision.
	Create(ctx context.Context, acct *Account) error
	// Update writes the account conditioned on its current revision.
	// Returns ErrConflict when the stored revision has moved on, so a
	// concurrent writer must reload rather than clobber.
	Update(ctx context.Context, acct *Account) error
}
