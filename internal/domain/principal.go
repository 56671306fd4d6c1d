package domain

// Principal identifies the caller of an API operation.
// An empty UserID means a trusted service acting without a payer context.
type Principal struct {
	UserID  string
	Service bool
}

// Owns reports whether the principal may see a record belonging to ownerUserID.
func (p Principal) Owns(ownerUserID *string) bool {
	if p.UserID == "" {
		return p.Service
	}
	return ownerUserID != nil && *ownerUserID == p.UserID
}

// ScopedUserID returns the user id list queries are restricted to, if any.
func (p Principal) ScopedUserID() *string {
	if p.UserID == "" {
		return nil
	}
	id := p.UserID
	return &id
}
