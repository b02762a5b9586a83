package uid

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// New generates a new unique identifier.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID.
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const (
	alphaUpper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	numeric    = "0123456789"
)

// SecurityToken generates a short uppercase alphanumeric code used for
// out-of-band confirmation of deposits.
func SecurityToken(length int) string {
	return random(alphaUpper, length)
}

// NumericToken generates a short numeric code used for out-of-band
// confirmation of withdrawals.
func NumericToken(length int) string {
	return random(numeric, length)
}

func random(charset string, length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = charset[int(b)%len(charset)]
	}
	return string(buf)
}
