package control

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenManagerMintsVerifiableToken(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	tm := newTokenManager("studio-7", key)

	token, err := tm.getToken()
	if err != nil {
		t.Fatalf("getToken failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			t.Fatalf("unexpected signing method %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithIssuer("renshu"), jwt.WithAudience("training-control"))
	if err != nil {
		t.Fatalf("token did not verify: %v", err)
	}
	if !parsed.Valid {
		t.Fatal("expected valid token")
	}
	if claims.StudioID != "studio-7" {
		t.Errorf("expected studio_id 'studio-7', got %q", claims.StudioID)
	}
	if claims.ID == "" {
		t.Error("expected a jti claim")
	}
	if claims.ExpiresAt == nil {
		t.Fatal("expected an expiry claim")
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 14*time.Minute || ttl > 15*time.Minute {
		t.Errorf("expected ~15m expiry, got %v", ttl)
	}
}

func TestTokenManagerReusesUntilNearExpiry(t *testing.T) {
	tm := newTokenManager("studio-7", []byte("key-material"))

	first, err := tm.getToken()
	if err != nil {
		t.Fatalf("getToken failed: %v", err)
	}
	second, err := tm.getToken()
	if err != nil {
		t.Fatalf("getToken failed: %v", err)
	}
	if first != second {
		t.Error("expected the cached token to be reused")
	}

	// Shove the cached expiry inside the refresh margin; the next call
	// must mint a fresh token.
	tm.mu.Lock()
	tm.expiresAt = time.Now().Add(refreshMargin / 2)
	tm.mu.Unlock()

	third, err := tm.getToken()
	if err != nil {
		t.Fatalf("getToken failed: %v", err)
	}
	if third == first {
		t.Error("expected a fresh token once inside the refresh margin")
	}
}

func TestTokenRejectedByWrongKey(t *testing.T) {
	tm := newTokenManager("studio-7", []byte("right-key"))
	token, err := tm.getToken()
	if err != nil {
		t.Fatalf("getToken failed: %v", err)
	}

	_, err = jwt.ParseWithClaims(token, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte("wrong-key"), nil
	})
	if err == nil {
		t.Fatal("expected verification to fail with the wrong key")
	}
}
