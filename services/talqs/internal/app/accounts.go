package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"talqs/internal/util"
	"talqs/pkg/auth"
	"talqs/pkg/domain"
	"talqs/pkg/localstate"
	"talqs/pkg/store"
)

type SignUpInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Session is an issued login.
type Session struct {
	User  domain.AuthUser `json:"user"`
	Token string          `json:"token"`
}

// SignUp registers a new account.
func (a *App) SignUp(ctx context.Context, in SignUpInput) (domain.AuthUser, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(in); err != nil {
		return domain.AuthUser{}, err
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.AuthUser{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, exists, err := a.store.GetUserByEmail(ctx, in.Email); err != nil {
		return domain.AuthUser{}, fmt.Errorf("check email: %w", err)
	} else if exists {
		return domain.AuthUser{}, ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.AuthUser{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.AuthUser{}, ErrEmailAlreadyExists
		}
		return domain.AuthUser{}, fmt.Errorf("create user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("user signed up", "account_id", user.ID)
	return authUser(user), nil
}

// Login checks credentials, issues a session token and records the account
// in the client cache for display.
func (a *App) Login(ctx context.Context, cache *localstate.Cache, in LoginInput) (Session, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateInput(in); err != nil {
		return Session{}, err
	}
	user, ok, err := a.store.GetUserByEmail(ctx, in.Email)
	if err != nil {
		return Session{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(in.Password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(ctx, user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	au := authUser(user)
	if cache != nil {
		if err := cache.StoreAuthUser(ctx, au); err != nil {
			util.LoggerFromContext(ctx).Warn("store auth user failed", "err", err)
		}
	}
	return Session{User: au, Token: token}, nil
}

// Logout drops the session token and the cached display account.
func (a *App) Logout(ctx context.Context, cache *localstate.Cache, token string) error {
	if token = strings.TrimSpace(token); token != "" {
		if err := a.sessions.DeleteSession(ctx, token); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	if cache != nil {
		if err := cache.ClearAuthUser(ctx); err != nil {
			util.LoggerFromContext(ctx).Warn("clear auth user failed", "err", err)
		}
	}
	return nil
}

// Profile is the caller as shown to the user.
type Profile struct {
	UserID      string                `json:"userId"`
	Source      domain.IdentitySource `json:"source"`
	DisplayName string                `json:"displayName"`
}

func (a *App) Me(ctx context.Context, ident domain.Identity, cache *localstate.Cache) Profile {
	p := Profile{UserID: ident.UserID, Source: ident.Source, DisplayName: ident.UserID}
	if cache != nil {
		p.DisplayName = cache.DisplayName(ctx, ident.UserID)
	}
	return p
}

// ListUsers returns the registered accounts without credentials.
func (a *App) ListUsers(ctx context.Context) ([]domain.AuthUser, error) {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	res := make([]domain.AuthUser, 0, len(users))
	for _, u := range users {
		res = append(res, authUser(u))
	}
	return res, nil
}

type ThemeInput struct {
	Theme string `json:"theme" validate:"required,oneof=light dark system"`
}

func (a *App) Theme(ctx context.Context, cache *localstate.Cache) (string, error) {
	if cache == nil {
		return "system", nil
	}
	return cache.Theme(ctx)
}

func (a *App) SetTheme(ctx context.Context, cache *localstate.Cache, in ThemeInput) (string, error) {
	in.Theme = strings.ToLower(strings.TrimSpace(in.Theme))
	if err := validateInput(in); err != nil {
		return "", err
	}
	if cache == nil {
		return "", fmt.Errorf("%w: client state unavailable", ErrInvalidInput)
	}
	if err := cache.SetTheme(ctx, in.Theme); err != nil {
		return "", fmt.Errorf("save theme: %w", err)
	}
	return in.Theme, nil
}

func authUser(u domain.User) domain.AuthUser {
	return domain.AuthUser{ID: u.ID, Email: u.Email, Name: u.Name}
}
