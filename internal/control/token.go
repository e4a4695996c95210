package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenTTL is the lifetime of each minted bearer token. Tokens are
// reused until they come within refreshMargin of expiry.
const (
	tokenTTL      = 15 * time.Minute
	refreshMargin = 30 * time.Second
)

// Claims extends jwt.RegisteredClaims with the studio identity.
type Claims struct {
	jwt.RegisteredClaims
	StudioID string `json:"studio_id"`
}

// tokenManager mints and caches bearer tokens for the Training Control
// API. The control plane shares an HMAC key with each studio deployment,
// so tokens are signed locally rather than fetched over the network.
// It is safe for concurrent use.
type tokenManager struct {
	studioID   string
	signingKey []byte

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(studioID string, signingKey []byte) *tokenManager {
	return &tokenManager{
		studioID:   studioID,
		signingKey: signingKey,
	}
}

func (tm *tokenManager) getToken() (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-refreshMargin)) {
		return tm.token, nil
	}

	if err := tm.mint(); err != nil {
		return "", err
	}
	return tm.token, nil
}

func (tm *tokenManager) mint() error {
	now := time.Now().UTC()
	exp := now.Add(tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tm.studioID,
			Issuer:    "renshu",
			Audience:  jwt.ClaimStrings{"training-control"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		StudioID: tm.studioID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.signingKey)
	if err != nil {
		return fmt.Errorf("control: sign token: %w", err)
	}

	tm.token = signed
	tm.expiresAt = exp
	return nil
}
