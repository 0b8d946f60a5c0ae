/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package auth issues and verifies the signed room-access tokens the
// signaling server expects in the login command. Tokens are HS256 JWTs
// carrying the user identity and a room grant.
package auth

import (
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const defaultValidity = 6 * time.Hour

// RoomGrant describes what the holder may do inside a room.
type RoomGrant struct {
	RoomID    string `json:"room_id,omitempty"`
	Publish   bool   `json:"publish,omitempty"`
	Subscribe bool   `json:"subscribe,omitempty"`
	Record    bool   `json:"record,omitempty"`
}

// Claims is the decoded token payload.
type Claims struct {
	jwt.Claims
	UserID string     `json:"user_id,omitempty"`
	Room   *RoomGrant `json:"room,omitempty"`
}

// AccessToken builds a signed room-access token.
type AccessToken struct {
	apiKey   string
	secret   string
	identity string
	validity time.Duration
	grant    *RoomGrant
}

// NewAccessToken creates a token builder for the given API key pair.
func NewAccessToken(apiKey, secret string) *AccessToken {
	return &AccessToken{
		apiKey:   apiKey,
		secret:   secret,
		validity: defaultValidity,
	}
}

// SetIdentity sets the user identity carried by the token.
func (t *AccessToken) SetIdentity(identity string) *AccessToken {
	t.identity = identity
	return t
}

// SetValidFor overrides the default token lifetime.
func (t *AccessToken) SetValidFor(d time.Duration) *AccessToken {
	t.validity = d
	return t
}

// SetGrant attaches the room grant.
func (t *AccessToken) SetGrant(grant *RoomGrant) *AccessToken {
	t.grant = grant
	return t
}

// ToJWT signs the token and returns its compact serialization.
func (t *AccessToken) ToJWT() (string, error) {
	if t.apiKey == "" || t.secret == "" {
		return "", errors.New("api key and secret are required")
	}
	if t.identity == "" {
		return "", errors.New("identity is required")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(t.secret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}

	now := time.Now()
	cl := Claims{
		Claims: jwt.Claims{
			Issuer:    t.apiKey,
			Subject:   t.identity,
			ID:        uuid.NewString(),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(t.validity)),
		},
		UserID: t.identity,
		Room:   t.grant,
	}
	return jwt.Signed(signer).Claims(cl).Serialize()
}

// Verify checks the signature, issuer and expiry of a token and returns
// its claims.
func Verify(token, apiKey, secret string) (*Claims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, err
	}
	out := &Claims{}
	if err := parsed.Claims([]byte(secret), out); err != nil {
		return nil, err
	}
	if err := out.Validate(jwt.Expected{Issuer: apiKey, Time: time.Now()}); err != nil {
		return nil, err
	}
	return out, nil
}
