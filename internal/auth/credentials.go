package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPasswordIterations is the PBKDF2 floor. Lower requested values are
	// raised to it.
	MinPasswordIterations = 1000

	saltBytes    = 16
	hashKeyBytes = 64

	// SynapseMACSeparator joins the fields of a Synapse admin registration MAC.
	SynapseMACSeparator = "\x00"
)

// CredentialService hashes and verifies passwords and computes the
// Synapse-compatible admin registration MAC. It holds no state.
type CredentialService struct{}

func NewCredentialService() *CredentialService {
	return &CredentialService{}
}

// CreateSalt returns 16 random bytes, hex encoded, to be stored with the user.
func (s *CredentialService) CreateSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashPassword derives a PBKDF2-HMAC-SHA512 key from password and salt.
// The result is deterministic for the same inputs and hex encoded.
func (s *CredentialService) HashPassword(password, salt string, iterations int) string {
	if iterations < MinPasswordIterations {
		iterations = MinPasswordIterations
	}
	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, hashKeyBytes, sha512.New)
	return hex.EncodeToString(key)
}

// VerifyPassword recomputes the hash and compares it with expectedHash in
// constant time. Both sides are reduced to SHA-256 digests first so a length
// mismatch takes the same path as a content mismatch.
func (s *CredentialService) VerifyPassword(password, expectedHash, salt string, iterations int) bool {
	actual := sha256.Sum256([]byte(s.HashPassword(password, salt, iterations)))
	expected := sha256.Sum256([]byte(expectedHash))
	return subtle.ConstantTimeCompare(actual[:], expected[:]) == 1
}

// ComputeRegistrationMAC reproduces Synapse's shared-secret registration MAC:
//
//	HMAC-SHA1(secret, nonce SEP username SEP password SEP "admin"|"notadmin" [SEP userType])
//
// returned as lowercase hex. Synapse uses "\x00" as SEP.
func (s *CredentialService) ComputeRegistrationMAC(sharedSecret, nonce, username, password string, isAdmin bool, separator string, userType ...string) string {
	adminField := "notadmin"
	if isAdmin {
		adminField = "admin"
	}
	fields := []string{nonce, username, password, adminField}
	if len(userType) > 0 && userType[0] != "" {
		fields = append(fields, userType[0])
	}

	mac := hmac.New(sha1.New, []byte(sharedSecret))
	mac.Write([]byte(strings.Join(fields, separator)))
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualMAC compares two hex MACs in constant time, ignoring hex case.
func EqualMAC(expected, supplied string) bool {
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(supplied)))
}
