package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/arbiter/internal/config"
)

const testKID = "test-key-1"

type authFixture struct {
	key  *rsa.PrivateKey
	jwks *JWKSClient
	cfg  config.IdentityConfig
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKID,
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(server.Close)

	return &authFixture{
		key:  key,
		jwks: NewJWKSClient(server.URL, time.Hour, nil),
		cfg: config.IdentityConfig{
			Issuer:     "https://issuer.example.com",
			Audience:   "arbiter",
			Algorithms: []string{"RS256"},
		},
	}
}

func (f *authFixture) token(t *testing.T, mutate func(claims jwt.MapClaims)) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":   "user-1",
		"iss":   "https://issuer.example.com",
		"aud":   "arbiter",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"roles": []string{"approver"},
	}
	if mutate != nil {
		mutate(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKID
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *authFixture) serve(t *testing.T, authorization string) *httptest.ResponseRecorder {
	t.Helper()

	var handled bool
	handler := JWTAuthenticator(f.cfg, f.jwks)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled = true
		claims := ClaimsFrom(r.Context())
		if claims["sub"] == nil {
			t.Error("claims missing from context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK && !handled {
		t.Error("200 without reaching inner handler")
	}
	return rec
}

func TestJWTAuthenticator_validToken(t *testing.T) {
	f := newAuthFixture(t)
	rec := f.serve(t, "Bearer "+f.token(t, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	f := newAuthFixture(t)

	tests := []struct {
		name  string
		authz string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.token"},
		{"expired", "Bearer " + f.token(t, func(c jwt.MapClaims) {
			c["exp"] = time.Now().Add(-2 * time.Hour).Unix()
		})},
		{"wrong issuer", "Bearer " + f.token(t, func(c jwt.MapClaims) {
			c["iss"] = "https://other.example.com"
		})},
		{"wrong audience", "Bearer " + f.token(t, func(c jwt.MapClaims) {
			c["aud"] = "someone-else"
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.serve(t, tt.authz)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestJWTAuthenticator_disallowedAlgorithm(t *testing.T) {
	f := newAuthFixture(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"iss": "https://issuer.example.com",
		"aud": "arbiter",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKID
	signed, err := token.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := f.serve(t, "Bearer "+signed)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWKSClient_servesCachedKeyWhenRefreshFails(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKID,
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))

	c := NewJWKSClient(server.URL, 0, nil)
	c.minRefresh = 0
	if _, err := c.GetKey(testKID); err != nil {
		t.Fatalf("initial GetKey: %v", err)
	}

	// Provider goes away: the stale cache keeps verification alive.
	server.Close()
	got, err := c.GetKey(testKID)
	if err != nil {
		t.Fatalf("GetKey after provider outage: %v", err)
	}
	if got == nil {
		t.Fatal("expected cached public key")
	}
	if _, err := c.GetKey("rogue-key"); err == nil {
		t.Error("unknown kid must fail while the provider is unreachable")
	}
}

func TestJWTAuthenticator_unknownKID(t *testing.T) {
	f := newAuthFixture(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "user-1",
		"iss": "https://issuer.example.com",
		"aud": "arbiter",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "rogue-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := f.serve(t, "Bearer "+signed)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
