// Package signedenvelope implements signed envelopes (spec §4.3): records
// that wrap the hash of an attested artifact, signed under one of two
// backends (HMAC test mode or SSH ed25519), and chained to the previous
// envelope in the same stream via prev_sig_hash.
package signedenvelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/errs"
)

// Algorithm identifies the signing backend used for one envelope.
type Algorithm string

const (
	AlgorithmHMACTest Algorithm = "hmac-sha256-test"
	AlgorithmEd25519  Algorithm = "ed25519"
)

// Mode selects which Signer implementation an envelope stream uses.
type Mode string

const (
	ModeOff  Mode = "off"
	ModeHMAC Mode = "hmac-test"
	ModeSSH  Mode = "ssh"
)

// Envelope is the full signed-envelope record (spec §3).
type Envelope struct {
	Kind             string    `json:"kind"`
	ObjectID         string    `json:"object_id"`
	CreatedAt        string    `json:"created_at"`
	Path             string    `json:"path"`
	ObjectSha256     string    `json:"object_sha256"`
	PrevSigHash      *string   `json:"prev_sig_hash"`
	PublicKeyID      string    `json:"public_key_id"`
	Algorithm        Algorithm `json:"algorithm"`
	SigPayloadSha256 string    `json:"sig_payload_sha256"`
	Signature        string    `json:"signature"`
	SigHash          string    `json:"sig_hash"`
}

// Stream names an envelope's chained index (spec §3: "Streams: receipts,
// anchors, rollups (per sub-stream), attestation_snapshots, strategic,
// catalog_checkpoints, operator_reports").
type Stream string

const (
	StreamReceipts            Stream = "receipts"
	StreamAnchors             Stream = "anchors"
	StreamRollups             Stream = "rollups"
	StreamAttestationSnapshot Stream = "attestation_snapshots"
	StreamStrategic           Stream = "strategic"
	StreamCatalogCheckpoints  Stream = "catalog_checkpoints"
	StreamOperatorReports     Stream = "operator_reports"
)

// Signer is the signing capability; HMACTestSigner and SSHSigner both
// implement it.
type Signer interface {
	// Available is called once at startup to fail fast under enforce-mode
	// when the backend's prerequisites (key material, ssh-keygen binary)
	// are missing.
	Available() bool
	Algorithm() Algorithm
	PublicKeyID() string
	// Sign returns a base64 signature over sigPayloadSha256 within the
	// given stream namespace.
	Sign(namespace string, sigPayloadSha256 string) (signatureB64 string, err error)
	// Verify checks signatureB64 over sigPayloadSha256 within namespace.
	Verify(namespace string, sigPayloadSha256 string, signatureB64 string) error
}

func sha256Hex(b []byte) string { return canonical.Sha256Hex(b) }

func envelopeMap(e Envelope) (map[string]any, error) {
	return canonical.ToMap(e)
}

// Sign implements spec §4.3's sign() algorithm.
func Sign(signer Signer, kind string, objectID, objectPath string, objectPayload any, stream Stream, prevSigHash *string, namespace string, now time.Time) (Envelope, error) {
	objectBytes, err := canonical.Bytes(objectPayload)
	if err != nil {
		return Envelope{}, err
	}
	objectSha := sha256Hex(objectBytes)

	bare := Envelope{
		Kind:         kind,
		ObjectID:     objectID,
		CreatedAt:    now.UTC().Format("2006-01-02T15:04:05Z"),
		Path:         objectPath,
		ObjectSha256: objectSha,
		PrevSigHash:  prevSigHash,
		PublicKeyID:  signer.PublicKeyID(),
		Algorithm:    signer.Algorithm(),
	}

	bareMap, err := envelopeMap(bare)
	if err != nil {
		return Envelope{}, err
	}
	delete(bareMap, "sig_payload_sha256")
	delete(bareMap, "signature")
	delete(bareMap, "sig_hash")
	bareBytes, err := canonical.Bytes(bareMap)
	if err != nil {
		return Envelope{}, err
	}
	bare.SigPayloadSha256 = sha256Hex(bareBytes)

	sig, err := signer.Sign(namespace, bare.SigPayloadSha256)
	if err != nil {
		return Envelope{}, errs.New(errs.KindSSHSignFailed, "signedenvelope.Sign", err)
	}
	bare.Signature = sig

	withSig, err := envelopeMap(bare)
	if err != nil {
		return Envelope{}, err
	}
	delete(withSig, "sig_hash")
	withSigBytes, err := canonical.Bytes(withSig)
	if err != nil {
		return Envelope{}, err
	}
	bare.SigHash = sha256Hex(withSigBytes)

	return bare, nil
}

// VerifyReason tags why Verify failed, matching spec §4.3's reason set.
type VerifyReason string

const (
	ReasonOK                        VerifyReason = ""
	ReasonUnsupportedAlgorithm      VerifyReason = "unsupported_algorithm"
	ReasonSigPayloadShaMismatch     VerifyReason = "sig_payload_sha_mismatch"
	ReasonSignatureInvalid         VerifyReason = "signature_invalid"
	ReasonSigHashMismatch          VerifyReason = "sig_hash_mismatch"
	ReasonPrevSigHashMismatch      VerifyReason = "prev_sig_hash_mismatch"
	ReasonAllowedSignersOrKeyMissing VerifyReason = "ssh_allowed_signers_or_key_id_missing"
)

// Result is the outcome of Verify.
type Result struct {
	OK     bool
	Reason VerifyReason
}

// Verify implements spec §4.3's verify(): checks, in order, algorithm
// recognition, sig_payload_sha256 recomputation, signature validity,
// sig_hash recomputation, and prev_sig_hash linkage against expectedPrev.
func Verify(signer Signer, namespace string, e Envelope, expectedPrev *string) Result {
	switch e.Algorithm {
	case AlgorithmHMACTest, AlgorithmEd25519:
	default:
		return Result{Reason: ReasonUnsupportedAlgorithm}
	}

	bare := e
	bareMap, err := envelopeMap(bare)
	if err != nil {
		return Result{Reason: ReasonSigPayloadShaMismatch}
	}
	delete(bareMap, "sig_payload_sha256")
	delete(bareMap, "signature")
	delete(bareMap, "sig_hash")
	bareBytes, err := canonical.Bytes(bareMap)
	if err != nil {
		return Result{Reason: ReasonSigPayloadShaMismatch}
	}
	if sha256Hex(bareBytes) != e.SigPayloadSha256 {
		return Result{Reason: ReasonSigPayloadShaMismatch}
	}

	if err := signer.Verify(namespace, e.SigPayloadSha256, e.Signature); err != nil {
		return Result{Reason: ReasonSignatureInvalid}
	}

	withSig, err := envelopeMap(e)
	if err != nil {
		return Result{Reason: ReasonSigHashMismatch}
	}
	delete(withSig, "sig_hash")
	withSigBytes, err := canonical.Bytes(withSig)
	if err != nil {
		return Result{Reason: ReasonSigHashMismatch}
	}
	if sha256Hex(withSigBytes) != e.SigHash {
		return Result{Reason: ReasonSigHashMismatch}
	}

	gotPrev := ""
	if e.PrevSigHash != nil {
		gotPrev = *e.PrevSigHash
	}
	wantPrev := ""
	if expectedPrev != nil {
		wantPrev = *expectedPrev
	}
	if gotPrev != wantPrev {
		return Result{Reason: ReasonPrevSigHashMismatch}
	}

	return Result{OK: true}
}

// HMACTestSigner implements Signer with HMAC-SHA256 over a shared test
// secret (spec §4.3: "Test-only"). Never used for production verification.
type HMACTestSigner struct {
	Secret      []byte
	KeyID       string
}

func (h HMACTestSigner) Available() bool       { return len(h.Secret) > 0 }
func (h HMACTestSigner) Algorithm() Algorithm  { return AlgorithmHMACTest }
func (h HMACTestSigner) PublicKeyID() string   { return h.KeyID }

func (h HMACTestSigner) Sign(namespace string, sigPayloadSha256 string) (string, error) {
	if len(h.Secret) == 0 {
		return "", errs.New(errs.KindSigningConfigMissing, "HMACTestSigner.Sign", fmt.Errorf("missing HMAC secret"))
	}
	mac := hmac.New(sha256.New, h.Secret)
	mac.Write([]byte(namespace))
	mac.Write([]byte(sigPayloadSha256))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (h HMACTestSigner) Verify(namespace string, sigPayloadSha256 string, signatureB64 string) error {
	expected, err := h.Sign(namespace, sigPayloadSha256)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signatureB64)) {
		return errs.New(errs.KindSignatureInvalid, "HMACTestSigner.Verify", nil)
	}
	return nil
}

// DisabledSigner implements Signer for the "off" mode: maybe_sign_*
// returns a signer_disabled reason rather than signing anything.
type DisabledSigner struct{}

func (DisabledSigner) Available() bool      { return false }
func (DisabledSigner) Algorithm() Algorithm { return "" }
func (DisabledSigner) PublicKeyID() string  { return "" }
func (DisabledSigner) Sign(string, string) (string, error) {
	return "", errs.New(errs.KindSignerDisabled, "DisabledSigner.Sign", nil)
}
func (DisabledSigner) Verify(string, string, string) error {
	return errs.New(errs.KindSignerDisabled, "DisabledSigner.Verify", nil)
}

// ResolveMode reads an envelope stream's signing mode from its env var
// value (spec §6: SENTIENTOS_{stream}_SIGNING ∈ {off, hmac-test, ssh}).
func ResolveMode(raw string) Mode {
	switch raw {
	case string(ModeHMAC):
		return ModeHMAC
	case string(ModeSSH):
		return ModeSSH
	default:
		return ModeOff
	}
}
