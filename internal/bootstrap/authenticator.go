package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"myconnectionsvr/webhome/internal/auth"
)

type UserLookup interface {
	UserByUsername(ctx context.Context, username string) (auth.User, error)
}

type Authenticator struct {
	verifier *Verifier
	users    UserLookup
}

func NewAuthenticator(verifier *Verifier, users UserLookup) *Authenticator {
	return &Authenticator{verifier: verifier, users: users}
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (auth.User, error) {
	username, err := a.verifier.Verify(token)
	if err != nil {
		return auth.User{}, err
	}
	u, err := a.users.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownUser) {
			return auth.User{}, fmt.Errorf("%w: service account missing", ErrBootstrapDenied)
		}
		return auth.User{}, fmt.Errorf("bootstrap lookup: %w", err)
	}
	return u, nil
}
