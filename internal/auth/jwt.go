package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lalith-99/hghs/internal/clock"
)

var (
	// ErrSigning means the token could not be produced (unsupported
	// algorithm or signer failure).
	ErrSigning = errors.New("token signing failed")
	// ErrInvalidToken covers malformed tokens and signature mismatches.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken means the signature is fine but exp is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the payload of every access token.
//
// Subject holds the Matrix user ID and ID (jti) the token reference stored
// on the device, so a device has at most one live token: issuing a new one
// replaces the reference and the old token stops resolving.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenIdentity is what a verified token binds.
type TokenIdentity struct {
	UserID    string
	DeviceID  string
	TokenID   string
	ExpiresAt time.Time
}

// TokenService signs and verifies access tokens. It is constructed once at
// startup with the configured secret and algorithm and passed down.
type TokenService struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
	issuer string
	clock  clock.Clock
}

// NewTokenService accepts the HMAC algorithms HS256, HS384 and HS512.
// expirationMinutes must be positive.
func NewTokenService(secret, algorithm string, expirationMinutes int, issuer string, clk clock.Clock) (*TokenService, error) {
	method, err := hmacMethod(algorithm)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrSigning)
	}
	if expirationMinutes <= 0 {
		return nil, fmt.Errorf("token expiration must be positive, got %d minutes", expirationMinutes)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenService{
		secret: []byte(secret),
		method: method,
		ttl:    time.Duration(expirationMinutes) * time.Minute,
		issuer: issuer,
		clock:  clk,
	}, nil
}

func hmacMethod(algorithm string) (jwt.SigningMethod, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrSigning, algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("%w: algorithm %q is not an HMAC algorithm", ErrSigning, algorithm)
	}
	return method, nil
}

// CreateToken signs a token for (userID, deviceID) expiring after the
// configured TTL. The returned identity carries the fresh token ID.
func (s *TokenService) CreateToken(userID, deviceID string) (string, TokenIdentity, error) {
	now := s.clock.Now()
	identity := TokenIdentity{
		UserID:    userID,
		DeviceID:  deviceID,
		TokenID:   uuid.NewString(),
		ExpiresAt: now.Add(s.ttl),
	}

	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        identity.TokenID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(identity.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(s.method, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", TokenIdentity{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return signed, identity, nil
}

// VerifyToken checks signature, algorithm and expiry. It returns
// ErrExpiredToken or ErrInvalidToken; callers outside this package must
// collapse both into a single client-facing error.
func (s *TokenService) VerifyToken(tokenString string) (TokenIdentity, error) {
	// Why pin the method when the key func ignores the header?
	// Without WithValidMethods a token claiming "none" or a different HMAC
	// size would reach the key func, and the secret would be handed to
	// whatever algorithm the token asked for.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)

	var claims Claims
	token, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenIdentity{}, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return TokenIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.DeviceID == "" || claims.ID == "" {
		return TokenIdentity{}, fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}

	identity := TokenIdentity{
		UserID:   claims.Subject,
		DeviceID: claims.DeviceID,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}
