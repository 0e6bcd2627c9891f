package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateJWT(t *testing.T) {
	token, err := GenerateJWT("secret", "student-1", time.Hour)
	require.NoError(t, err)

	sub, err := ValidateJWT("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "student-1", sub)
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	token, err := GenerateJWT("secret", "student-1", time.Hour)
	require.NoError(t, err)

	_, err = ValidateJWT("other", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateJWT_Expired(t *testing.T) {
	token, err := GenerateJWT("secret", "student-1", -time.Minute)
	require.NoError(t, err)

	_, err = ValidateJWT("secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateJWT_RejectsNonHMAC(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "student-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ValidateJWT("secret", signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateJWT_MissingSubject(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = ValidateJWT("secret", signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
