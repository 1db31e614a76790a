package domain

import "time"

// Account holds the available margin currency for one user. Balance is only
// mutated by the margin debit at position open, the settlement credit at
// position close, and external deposit/withdrawal flows outside this service.
type Account struct {
	ID        string
	UserID    string
	Balance   float64
	UpdatedAt time.Time
}

// Identity is the authenticated caller of a request, as established by the
// gateway in front of this service. Staff identities may close any position.
type Identity struct {
	AccountID string
	Staff     bool
}

// Owns reports whether the identity may act on the given account: either it
// is that account's owner or a staff identity.
func (i Identity) Owns(accountID string) bool {
	return i.Staff || (i.AccountID != "" && i.AccountID == accountID)
}
