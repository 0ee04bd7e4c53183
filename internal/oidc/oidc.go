// Package oidc completes the OpenID Connect authorization-code flow and
// reduces it to the single fact the rest of the system cares about: a
// verified organization email plus the holder's name.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

var (
	// ErrNotVerified means the provider has not verified the email.
	ErrNotVerified = errors.New("email not verified by the identity provider")
	// ErrEmailRejected means the verified email does not match the
	// organization pattern.
	ErrEmailRejected = errors.New("email does not belong to the organization")
)

// Identity is the verified result of a completed flow.
type Identity struct {
	Email     string
	FirstName string
	LastName  string
}

type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	EmailPattern *regexp.Regexp
}

type Verifier struct {
	oauth        *oauth2.Config
	emailPattern *regexp.Regexp
}

func NewVerifier(cfg Config) *Verifier {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	return &Verifier{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		emailPattern: cfg.EmailPattern,
	}
}

// AuthCodeURL returns the provider URL to redirect the user to.
func (v *Verifier) AuthCodeURL(state string) string {
	return v.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Complete exchanges the callback code and extracts the verified identity
// from the returned id_token.
func (v *Verifier) Complete(ctx context.Context, code string) (*Identity, error) {
	token, err := v.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oidc: exchanging authorization code: %w", err)
	}

	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return nil, errors.New("oidc: token response carries no id_token")
	}
	return v.identityFromIDToken(raw)
}

type idClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

// identityFromIDToken parses the id_token claims. The token was fetched
// directly from the provider's token endpoint over TLS, so channel
// authenticity stands in for a signature check here.
func (v *Verifier) identityFromIDToken(raw string) (*Identity, error) {
	var claims idClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("oidc: parsing id_token: %w", err)
	}

	if claims.Email == "" {
		return nil, errors.New("oidc: id_token carries no email claim")
	}
	if !claims.EmailVerified {
		return nil, ErrNotVerified
	}
	if v.emailPattern != nil && !v.emailPattern.MatchString(claims.Email) {
		return nil, ErrEmailRejected
	}

	return &Identity{
		Email:     claims.Email,
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
	}, nil
}
