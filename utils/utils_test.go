package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key := "0123456789abcdef0123456789abcdef"

	sealed, err := Encrypt(key, "smtp-secret")
	require.NoError(t, err)
	assert.NotEqual(t, "smtp-secret", sealed)

	plain, err := Decrypt(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "smtp-secret", plain)

	empty, err := Decrypt(key, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWTToken(42, "secret", time.Minute)
	require.NoError(t, err)

	claims, err := ParseJWTToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)

	_, err = ParseJWTToken(token, "other")
	assert.Error(t, err)
}

func TestValidateStruct(t *testing.T) {
	type wait struct {
		Duration int    `validate:"gt=0"`
		Unit     string `validate:"oneof=minutes hours days weeks"`
		At       string `validate:"omitempty,clock"`
	}

	assert.NoError(t, ValidateStruct(wait{Duration: 2, Unit: "days", At: "09:30"}))

	err := ValidateStruct(wait{Duration: 0, Unit: "months", At: "25:00"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration must be greater than 0")
	assert.Contains(t, err.Error(), "unit must be one of")
	assert.Contains(t, err.Error(), "at must be HH:MM")
}

func TestParseTimeParam(t *testing.T) {
	got, err := ParseTimeParam("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ParseTimeParam("2024-05-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year())

	_, err = ParseTimeParam("yesterday")
	assert.Error(t, err)
}

func TestBuildMessage(t *testing.T) {
	m := BuildMessage(EmailData{
		Subject:   "Welcome",
		To:        []string{"ada@example.com"},
		HTMLBody:  "<p>hi</p>",
		FromName:  "Acme",
		FromEmail: "news@acme.test",
		MessageID: "job-1",
	})

	assert.Equal(t, []string{"Welcome"}, m.GetHeader("Subject"))
	assert.Equal(t, []string{"ada@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"<job-1@sequencer>"}, m.GetHeader("Message-ID"))
	require.Len(t, m.GetHeader("From"), 1)
	assert.Contains(t, m.GetHeader("From")[0], "news@acme.test")
}

func TestDecrypt_Rejects(t *testing.T) {
	key := "0123456789abcdef"

	_, err := Decrypt(key, "c2hvcnQ=")
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = Decrypt(key, "%%%")
	assert.Error(t, err)

	sealed, err := Encrypt(key, "x")
	require.NoError(t, err)
	_, err = Decrypt("short", sealed)
	assert.Error(t, err)
}
