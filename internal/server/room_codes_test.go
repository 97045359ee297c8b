package server_test

import (
	"strings"
	"testing"

	"canasta-server/internal/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRoomCodeFormat(t *testing.T) {
	assert := assert.New(t)
	liveCodes := make(map[string]bool)

	for range 100 {
		code, err := server.GenerateRoomCode(liveCodes)
		require.NoError(t, err)

		assert.Equal(6, len(code))
		for _, ch := range code {
			assert.True(strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", ch))
		}
	}
}

func TestGenerateRoomCodeUniqueness(t *testing.T) {
	liveCodes := make(map[string]bool)
	generated := make(map[string]bool)

	for range 500 {
		code, err := server.GenerateRoomCode(liveCodes)
		require.NoError(t, err)

		assert.False(t, generated[code], "code %s was generated twice", code)
		generated[code] = true
		liveCodes[code] = true
	}

	assert.Equal(t, 500, len(generated))
}

func TestGenerateRoomCodeAvoidsLiveCodes(t *testing.T) {
	liveCodes := map[string]bool{"AAAAAA": true, "ZZZZZZ": true, "TEST42": true}

	for range 200 {
		code, err := server.GenerateRoomCode(liveCodes)
		require.NoError(t, err)

		assert.NotEqual(t, "AAAAAA", code)
		assert.NotEqual(t, "ZZZZZZ", code)
		assert.NotEqual(t, "TEST42", code)
	}
}

func TestValidateRoomCodeValidCodes(t *testing.T) {
	for _, code := range []string{"BEAR42", "GAME01", "PLAYXX", "AAAAAA", "ZZZZZZ"} {
		assert.NoError(t, server.ValidateRoomCode(code), "code %s should be valid", code)
	}
}

func TestValidateRoomCodeInvalidLength(t *testing.T) {
	for _, code := range []string{"", "A", "AB", "ABCDE", "ABCDEFG"} {
		err := server.ValidateRoomCode(code)
		assert.Error(t, err, "code %s should be invalid (wrong length)", code)
		assert.Contains(t, err.Error(), "exactly 6 characters")
	}
}

func TestValidateRoomCodeInvalidCharacters(t *testing.T) {
	for _, code := range []string{"A-B!CD", "T@STAB", "A BC12", " ABC12"} {
		err := server.ValidateRoomCode(code)
		assert.Error(t, err, "code %s should be invalid (bad characters)", code)
		assert.Contains(t, err.Error(), "only A-Z and 0-9")
	}
}
