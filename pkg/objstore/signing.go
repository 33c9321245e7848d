package objstore

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/procurehq/vmp/pkg/api"
)

// URLSigner mints and verifies the HS256 tokens that protect locally
// served blobs. S3 and GCS presign natively; this covers the fs store.
type URLSigner struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

// NewURLSigner creates a signer. baseURL is the externally reachable
// portal origin, e.g. https://vmp.example.com.
func NewURLSigner(secret, baseURL string) (*URLSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("objstore: blob signing key is required for local blob URLs")
	}
	return &URLSigner{
		secret:  []byte(secret),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}, nil
}

type blobClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

// Sign returns a /blob URL embedding a token valid for ttl.
func (s *URLSigner) Sign(key string, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	claims := blobClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("objstore: failed to sign blob URL: %w", err)
	}

	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return fmt.Sprintf("%s/blob/%s?token=%s", s.baseURL, strings.Join(escaped, "/"), token), nil
}

// Verify checks that token grants access to key and has not expired.
func (s *URLSigner) Verify(token, key string) error {
	var claims blobClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: invalid or expired blob token", api.ErrForbidden)
	}
	if claims.Key != key {
		return fmt.Errorf("%w: blob token does not match key", api.ErrForbidden)
	}
	return nil
}
