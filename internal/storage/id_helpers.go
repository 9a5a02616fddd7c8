package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/cases"
)

func generateID() (string, error) {
	bytes, err := randomBytes(16)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func randomBytes(length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

var searchFolder = cases.Fold()

// foldForSearch normalizes a string for case-insensitive matching across
// scripts, not just ASCII.
func foldForSearch(value string) string {
	return searchFolder.String(value)
}
