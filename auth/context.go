package auth

import "context"

type contextKey string

const contextKeyIdentity contextKey = "auth.identity"

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Role    Role
}

// WithIdentity stores the caller in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

// IdentityFromContext returns the caller, if the request was authenticated.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(contextKeyIdentity).(Identity)
	return id, ok
}

// PayerFor resolves which payer is acting. Authenticated payers always act as
// themselves; a conflicting claimed id is ErrForbidden. Operators and
// unauthenticated callers act as claimed.
func PayerFor(ctx context.Context, claimed string) (string, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.Role != RolePayer {
		return claimed, nil
	}
	if claimed != "" && claimed != id.Subject {
		return "", ErrForbidden
	}
	return id.Subject, nil
}
