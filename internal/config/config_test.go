package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateJWTSecretRejectsShortSecret(t *testing.T) {
	err := ValidateJWTSecret("too-short")
	assert.Error(t, err)
}

func TestValidateJWTSecretRejectsLowDiversity(t *testing.T) {
	err := ValidateJWTSecret("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.Error(t, err)
}

func TestValidateJWTSecretAcceptsStrongSecret(t *testing.T) {
	err := ValidateJWTSecret("correct horse battery staple 123456789!")
	assert.NoError(t, err)
}

func TestRotateSecretKeepsPreviousValid(t *testing.T) {
	InitializeKeyManager("initial secret value with enough entropy!!")
	require.NoError(t, RotateSecret("rotated secret value with enough entropy!"))

	assert.Equal(t, "rotated secret value with enough entropy!", GetCurrentSecret())
	assert.Equal(t, "initial secret value with enough entropy!!", GetPreviousSecret())
}

func TestRotateSecretRejectsWeakSecret(t *testing.T) {
	InitializeKeyManager("initial secret value with enough entropy!!")
	err := RotateSecret("weak")
	assert.Error(t, err)
	assert.Equal(t, "initial secret value with enough entropy!!", GetCurrentSecret(), "a rejected rotation must not mutate current secret")
}

func TestSetRotationIntervalFloorsAtOneHour(t *testing.T) {
	SetRotationInterval(time.Minute)
	_, interval := GetRotationInfo()
	assert.Equal(t, time.Hour, interval)
}

func TestShouldRotateAfterIntervalElapses(t *testing.T) {
	InitializeKeyManager("initial secret value with enough entropy!!")
	SetRotationInterval(time.Hour)
	assert.False(t, ShouldRotate())

	keyManager.lock.Lock()
	keyManager.rotationTime = time.Now().Add(-2 * time.Hour)
	keyManager.lock.Unlock()

	assert.True(t, ShouldRotate())
}

func TestGetEnvFallsBackToDefault(t *testing.T) {
	os.Unsetenv("RATCHET_TEST_KEY")
	assert.Equal(t, "fallback", getEnv("RATCHET_TEST_KEY", "fallback"))

	os.Setenv("RATCHET_TEST_KEY", "set-value")
	defer os.Unsetenv("RATCHET_TEST_KEY")
	assert.Equal(t, "set-value", getEnv("RATCHET_TEST_KEY", "fallback"))
}

func TestGetEnvInt64ParsesOrFallsBack(t *testing.T) {
	os.Unsetenv("RATCHET_TEST_INT")
	assert.Equal(t, int64(42), getEnvInt64("RATCHET_TEST_INT", 42))

	os.Setenv("RATCHET_TEST_INT", "7")
	defer os.Unsetenv("RATCHET_TEST_INT")
	assert.Equal(t, int64(7), getEnvInt64("RATCHET_TEST_INT", 42))

	os.Setenv("RATCHET_TEST_INT", "not-a-number")
	assert.Equal(t, int64(42), getEnvInt64("RATCHET_TEST_INT", 42))
}

func TestGetSecretPreviewMasksShortSecrets(t *testing.T) {
	assert.Equal(t, "****", getSecretPreview("short"))
	assert.Equal(t, "abcd...wxyz", getSecretPreview("abcdefghijklmnopqrstuvwxyz"))
}
