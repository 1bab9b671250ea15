package paddle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "pdl_ntfset_test_secret"

var testBody = []byte(`{"event_type":"subscription.created","data":{"id":"sub_1"}}`)

func TestVerifyBareDigest(t *testing.T) {
	sig := Sign(testBody, testSecret)

	assert.True(t, Verify(testBody, sig, testSecret))
	assert.True(t, Verify(testBody, strings.ToUpper(sig), testSecret), "hex case must not matter")
	assert.False(t, Verify(testBody, sig, "other-secret"))
}

func TestVerifyRejectsEveryBitFlip(t *testing.T) {
	sig := Sign(testBody, testSecret)
	for i := range testBody {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), testBody...)
			mutated[i] ^= 1 << bit
			require.False(t, Verify(mutated, sig, testSecret), "byte %d bit %d", i, bit)
		}
	}
}

func TestVerifyEmptyInputs(t *testing.T) {
	sig := Sign(testBody, testSecret)

	assert.False(t, Verify(testBody, "", testSecret))
	assert.False(t, Verify(testBody, "   ", testSecret))
	assert.False(t, Verify(testBody, sig, ""))
}

func TestVerifyLengthMismatchIsNotAuthentic(t *testing.T) {
	sig := Sign(testBody, testSecret)

	assert.False(t, Verify(testBody, sig[:len(sig)-2], testSecret))
	assert.False(t, Verify(testBody, sig+"00", testSecret))
	assert.False(t, Verify(testBody, "zz-not-hex", testSecret))
}

func TestVerifyStructuredHeader(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := SignHeader(testBody, testSecret, now)

	assert.True(t, Verify(testBody, header, testSecret))
	assert.False(t, Verify([]byte(`{}`), header, testSecret))

	// the bare body digest is not valid inside h1
	bad := "ts=1700000000;h1=" + Sign(testBody, testSecret)
	assert.False(t, Verify(testBody, bad, testSecret))
}

func TestVerifyStructuredHeaderAcceptsAnyH1(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	good := SignHeader(testBody, testSecret, now)
	_, h1, _ := strings.Cut(good, ";")

	header := "ts=1700000000;h1=" + strings.Repeat("0", 64) + ";" + h1
	assert.True(t, Verify(testBody, header, testSecret))
}

func TestVerifyStructuredHeaderRequiresTimestamp(t *testing.T) {
	header := "h1=" + Sign(signedPayload("", testBody), testSecret)
	assert.False(t, Verify(testBody, header, testSecret))
}

func TestVerifierMaxAge(t *testing.T) {
	signedAt := time.Unix(1_700_000_000, 0)
	header := SignHeader(testBody, testSecret, signedAt)

	v := NewVerifier(testSecret, 5*time.Minute)
	v.Now = func() time.Time { return signedAt.Add(time.Minute) }
	assert.NoError(t, v.Verify(testBody, header))

	v.Now = func() time.Time { return signedAt.Add(10 * time.Minute) }
	assert.ErrorIs(t, v.Verify(testBody, header), ErrInvalidSignature)
}
