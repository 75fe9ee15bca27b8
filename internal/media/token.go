package media

import (
	"context"
	"errors"
	"time"

	"call-signaling/internal/metrics"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer signs channel credentials locally with the provider app certificate.
// The provider verifies them with the same certificate, so no network call is needed.
type TokenIssuer struct {
	appID string
	cert  []byte
	ttl   time.Duration
	clock func() time.Time
}

type credentialClaims struct {
	jwt.RegisteredClaims
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Role    Role   `json:"role"`
}

func NewTokenIssuer(appID, certificate string, ttl time.Duration) (*TokenIssuer, error) {
	if appID == "" {
		return nil, errors.New("media: app id is required")
	}
	if certificate == "" {
		return nil, errors.New("media: app certificate is required")
	}
	if ttl <= 0 {
		return nil, errors.New("media: token ttl must be > 0")
	}
	return &TokenIssuer{appID: appID, cert: []byte(certificate), ttl: ttl, clock: time.Now}, nil
}

func (i *TokenIssuer) Issue(ctx context.Context, req CredentialRequest) (Credential, error) {
	start := time.Now()
	defer func() {
		metrics.CredentialIssueDuration.Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		metrics.CredentialIssueFailuresTotal.WithLabelValues("canceled").Inc()
		return Credential{}, err
	}
	if err := req.Validate(); err != nil {
		metrics.CredentialIssueFailuresTotal.WithLabelValues("invalid").Inc()
		return Credential{}, err
	}

	now := i.clock().UTC()
	exp := now.Add(i.ttl)
	claims := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.appID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		AppID:   i.appID,
		Channel: req.Channel,
		UID:     req.UID,
		Role:    req.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cert)
	if err != nil {
		metrics.CredentialIssueFailuresTotal.WithLabelValues("sign").Inc()
		return Credential{}, err
	}

	return Credential{
		Token:     signed,
		AppID:     i.appID,
		Channel:   req.Channel,
		UID:       req.UID,
		Role:      req.Role,
		ExpiresAt: exp,
	}, nil
}

// Verify parses a credential issued by this issuer. Providers do the equivalent on attach.
func (i *TokenIssuer) Verify(token string) (CredentialRequest, error) {
	var claims credentialClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.cert, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock),
		jwt.WithIssuer(i.appID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return CredentialRequest{}, err
	}
	return CredentialRequest{Channel: claims.Channel, UID: claims.UID, Role: claims.Role}, nil
}
