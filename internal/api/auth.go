package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const connectStateAudience = "calendar-connect"

var ErrInvalidToken = errors.New("invalid token")

// Claims are issued by the dashboard login; this service only verifies them.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Clinic string `json:"clinica"`
	jwt.RegisteredClaims
}

// TokenValidator verifies HS256 bearer tokens and signs the short-lived
// state parameter of the calendar consent flow.
type TokenValidator struct {
	secret []byte
	now    func() time.Time
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (tv *TokenValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return tv.secret, nil
}

// Validate parses a bearer token and returns its claims.
func (tv *TokenValidator) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, tv.keyFunc, jwt.WithTimeFunc(tv.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, fmt.Errorf("%w: userId is not a valid UUID", ErrInvalidToken)
	}
	return claims, nil
}

// Issue signs a session token. Used by the seed and simulate tools and tests.
func (tv *TokenValidator) Issue(ownerID uuid.UUID, email, clinic string, ttl time.Duration) (string, error) {
	now := tv.now()
	claims := &Claims{
		UserID: ownerID.String(),
		Email:  email,
		Clinic: clinic,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   ownerID.String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tv.secret)
}

// IssueState binds a consent redirect to the owner who started it.
func (tv *TokenValidator) IssueState(ownerID uuid.UUID, ttl time.Duration) (string, error) {
	now := tv.now()
	claims := &jwt.RegisteredClaims{
		Subject:   ownerID.String(),
		Audience:  jwt.ClaimStrings{connectStateAudience},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tv.secret)
}

func (tv *TokenValidator) ParseState(state string) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(state, claims, tv.keyFunc,
		jwt.WithAudience(connectStateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tv.now),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}
