package signedenvelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSigner() HMACTestSigner {
	return HMACTestSigner{Secret: []byte("test-secret"), KeyID: "key-1"}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := testSigner()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	env, err := Sign(signer, "receipt", "r1", "glow/forge/receipts/merge_receipt_r1.json",
		map[string]any{"a": 1}, StreamReceipts, nil, "receipts", now)
	require.NoError(t, err)
	require.NotEmpty(t, env.SigPayloadSha256)
	require.NotEmpty(t, env.SigHash)
	require.NotEmpty(t, env.Signature)

	result := Verify(signer, "receipts", env, nil)
	require.True(t, result.OK)
	require.Equal(t, ReasonOK, result.Reason)
}

func TestSignVerifyChainsPrevSigHash(t *testing.T) {
	signer := testSigner()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := Sign(signer, "receipt", "r1", "p1", map[string]any{"a": 1}, StreamReceipts, nil, "receipts", now)
	require.NoError(t, err)

	prev := first.SigHash
	second, err := Sign(signer, "receipt", "r2", "p2", map[string]any{"a": 2}, StreamReceipts, &prev, "receipts", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, prev, *second.PrevSigHash)

	result := Verify(signer, "receipts", second, &prev)
	require.True(t, result.OK)

	wrongPrev := "not-the-real-prev"
	result = Verify(signer, "receipts", second, &wrongPrev)
	require.False(t, result.OK)
	require.Equal(t, ReasonPrevSigHashMismatch, result.Reason)
}

func TestVerifyDetectsObjectTamperViaSigPayloadMismatch(t *testing.T) {
	signer := testSigner()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	env, err := Sign(signer, "receipt", "r1", "p1", map[string]any{"a": 1}, StreamReceipts, nil, "receipts", now)
	require.NoError(t, err)

	env.ObjectSha256 = "0000000000000000000000000000000000000000000000000000000000000"

	result := Verify(signer, "receipts", env, nil)
	require.False(t, result.OK)
	require.Equal(t, ReasonSigPayloadShaMismatch, result.Reason)
}

func TestVerifyDetectsSigHashTamper(t *testing.T) {
	signer := testSigner()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	env, err := Sign(signer, "receipt", "r1", "p1", map[string]any{"a": 1}, StreamReceipts, nil, "receipts", now)
	require.NoError(t, err)

	env.SigHash = "deadbeef"

	result := Verify(signer, "receipts", env, nil)
	require.False(t, result.OK)
	require.Equal(t, ReasonSigHashMismatch, result.Reason)
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	signer := testSigner()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	env, err := Sign(signer, "receipt", "r1", "p1", map[string]any{"a": 1}, StreamReceipts, nil, "receipts", now)
	require.NoError(t, err)

	other := HMACTestSigner{Secret: []byte("different-secret"), KeyID: "key-1"}
	result := Verify(other, "receipts", env, nil)
	require.False(t, result.OK)
	require.Equal(t, ReasonSignatureInvalid, result.Reason)
}

func TestVerifyRejectsUnsupportedAlgorithm(t *testing.T) {
	env := Envelope{Algorithm: "made-up"}
	result := Verify(testSigner(), "receipts", env, nil)
	require.False(t, result.OK)
	require.Equal(t, ReasonUnsupportedAlgorithm, result.Reason)
}

func TestDisabledSignerRefusesSignAndVerify(t *testing.T) {
	var d DisabledSigner
	_, err := d.Sign("ns", "x")
	require.Error(t, err)
	require.Error(t, d.Verify("ns", "x", "y"))
	require.False(t, d.Available())
}

func TestResolveMode(t *testing.T) {
	require.Equal(t, ModeHMAC, ResolveMode("hmac-test"))
	require.Equal(t, ModeSSH, ResolveMode("ssh"))
	require.Equal(t, ModeOff, ResolveMode(""))
	require.Equal(t, ModeOff, ResolveMode("nonsense"))
}
