// Package auth implements the relay's auth gateway: account registration
// and login against the data-access collaborator, bcrypt password
// hashing, and bearer-token issue/verify.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/connectchat/relay/pkg/store"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 32
	minPasswordLen = 6

	// StatusOnline is the presence status set on register and login.
	StatusOnline = "online"
)

// ErrBadCredentials is returned for both an unknown account and a wrong
// password. The two cases are deliberately indistinguishable so login
// cannot be used as a user-existence oracle.
var ErrBadCredentials = errors.New("incorrect credentials")

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	emailPattern    = regexp.MustCompile(`^[A-Za-z0-9+_.-]+@[A-Za-z0-9.-]+$`)
)

// Gateway validates credentials against the store and mints tokens.
type Gateway struct {
	store  store.Store
	tokens *TokenService
}

// NewGateway creates an auth gateway over the given store and token
// service.
func NewGateway(s store.Store, tokens *TokenService) *Gateway {
	return &Gateway{store: s, tokens: tokens}
}

// Register validates and normalizes the inputs, then persists a new
// account with a bcrypt-hashed password and status online. Rule order
// is fixed: the first violated rule decides the error message.
func (g *Gateway) Register(ctx context.Context, username, displayName, email, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	displayName = strings.TrimSpace(displayName)
	email = strings.ToLower(strings.TrimSpace(email))

	switch {
	case displayName == "":
		return store.User{}, store.Validation("display name is required")
	case username == "":
		return store.User{}, store.Validation("username is required")
	case len(username) < minUsernameLen || len(username) > maxUsernameLen:
		return store.User{}, store.Validation("username must be between %d and %d characters", minUsernameLen, maxUsernameLen)
	case !usernamePattern.MatchString(username):
		return store.User{}, store.Validation("username may only contain letters, digits, dash, underscore, and dot")
	case email == "":
		return store.User{}, store.Validation("email is required")
	case !emailPattern.MatchString(email):
		return store.User{}, store.Validation("email is not valid")
	case len(password) < minPasswordLen:
		return store.User{}, store.Validation("password must be at least %d characters", minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := g.store.CreateAccount(ctx, store.Account{
		User: store.User{
			Username:    username,
			DisplayName: displayName,
			Status:      StatusOnline,
		},
		Email:        email,
		PasswordHash: string(hash),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, fmt.Errorf("username or email %w", store.ErrConflict)
		}
		return store.User{}, fmt.Errorf("create account: %w", err)
	}
	return user, nil
}

// Login resolves a username or email and checks the password. Success
// sets the account's status to online.
func (g *Gateway) Login(ctx context.Context, usernameOrEmail, password string) (store.User, error) {
	credential := strings.TrimSpace(usernameOrEmail)
	if credential == "" {
		return store.User{}, store.Validation("username or email is required")
	}
	if password == "" {
		return store.User{}, store.Validation("password is required")
	}

	acct, err := g.store.AccountByLogin(ctx, credential)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrBadCredentials
		}
		return store.User{}, fmt.Errorf("look up account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return store.User{}, ErrBadCredentials
	}

	if err := g.store.UpdateUserStatus(ctx, acct.ID, StatusOnline); err != nil {
		return store.User{}, fmt.Errorf("update status: %w", err)
	}
	acct.Status = StatusOnline
	return acct.User, nil
}

// IssueToken produces a signed token bound to the user's id.
func (g *Gateway) IssueToken(user store.User) (string, error) {
	return g.tokens.Issue(user.ID)
}

// VerifyToken returns the user id a token is bound to, or
// ErrInvalidToken.
func (g *Gateway) VerifyToken(token string) (string, error) {
	return g.tokens.Verify(token)
}
