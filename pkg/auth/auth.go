// Package auth provides password hashing and session-ID generation for cshd.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SessionIDBytes is the entropy behind a session ID; rendered as hex it
// yields the 128-character opaque token clients present with every command.
const SessionIDBytes = 64

// HashPassword hashes a password with SHA-256 and returns the digest as a
// lowercase hexadecimal string, matching the users-file format.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword compares a candidate password against a stored hash in
// constant time.
func VerifyPassword(password, storedHash string) bool {
	candidate := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHash)) == 1
}

// NewSessionID generates a cryptographically random session ID.
func NewSessionID() (string, error) {
	buf := make([]byte, SessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
