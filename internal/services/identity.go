package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"
)

// Identity is a verified caller.
type Identity struct {
	Email   string
	Subject string
}

// IdentityVerifier validates a bearer token and extracts the caller.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// GoogleVerifier validates Google-issued ID tokens.
type GoogleVerifier struct {
	audience string
	validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func NewGoogleVerifier(audience string) *GoogleVerifier {
	return &GoogleVerifier{audience: audience, validate: idtoken.Validate}
}

func (v *GoogleVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	payload, err := v.validate(ctx, token, v.audience)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	email, _ := payload.Claims["email"].(string)
	if email == "" {
		return Identity{}, fmt.Errorf("%w: token has no email claim", ErrUnauthorized)
	}
	if verified, ok := payload.Claims["email_verified"].(bool); ok && !verified {
		return Identity{}, fmt.Errorf("%w: email %s is not verified", ErrUnauthorized, email)
	}
	return Identity{Email: email, Subject: payload.Subject}, nil
}

type emailClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// HMACVerifier validates HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret   []byte
	audience string
}

func NewHMACVerifier(secret, audience string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), audience: audience}
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &emailClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Email == "" {
		return Identity{}, fmt.Errorf("%w: token has no email claim", ErrUnauthorized)
	}
	return Identity{Email: claims.Email, Subject: claims.Subject}, nil
}

// Mint issues a token for email valid for ttl.
func (v *HMACVerifier) Mint(email string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("hmac secret is empty")
	}
	now := time.Now()
	claims := emailClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
