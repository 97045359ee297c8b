package server

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"canasta-server/internal/apperror"
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const roomCodeLength = 6

// GenerateRoomCode produces a 6-char [A-Z0-9] code by rejection sampling
// against the live (non-abandoned) room set, per spec.md §6.
func GenerateRoomCode(liveCodes map[string]bool) (string, error) {
	for {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if !liveCodes[code] {
			return code, nil
		}
	}
}

func randomCode() (string, error) {
	size := big.NewInt(int64(len(roomCodeAlphabet)))
	out := make([]byte, roomCodeLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generating room code: %w", err)
		}
		out[i] = roomCodeAlphabet[n.Int64()]
	}
	return string(out), nil
}

func ValidateRoomCode(code string) error {
	if len(code) != roomCodeLength {
		return apperror.New(apperror.CodeInvalidRoomCode, "room code must be exactly 6 characters")
	}
	for _, ch := range strings.ToUpper(code) {
		if !strings.ContainsRune(roomCodeAlphabet, ch) {
			return apperror.New(apperror.CodeInvalidRoomCode, "room code must contain only A-Z and 0-9")
		}
	}
	return nil
}

func NormalizeRoomCode(code string) string {
	return strings.ToUpper(code)
}
