// Package canonical implements the single canonical byte form (spec §4.1)
// used for every hash, signature, and equality compare in forge: JSON with
// lexicographically sorted keys, "," / ":" separators, UTF-8 without BOM,
// terminated by a single trailing newline.
//
// The sort/separator/escaping transform is delegated to gowebpki/jcs, an
// RFC 8785 (JSON Canonicalization Scheme) implementation; forge adds only
// the trailing newline terminator on top, which RFC 8785 itself does not
// mandate but this module's on-disk wire format does.
package canonical

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/sentientos/forge/pkg/errs"
)

// Bytes returns the canonical JSON encoding of value, terminated by "\n".
// It fails with errs.KindUnrepresentable if value contains a non-finite
// float, a non-string map key that cannot round-trip through JSON, or any
// other shape json.Marshal / RFC 8785 transform cannot represent.
func Bytes(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errs.New(errs.KindUnrepresentable, "canonical.Bytes.marshal", err)
	}
	transformed, err := jcs.Transform(raw)
	if err != nil {
		return nil, errs.New(errs.KindUnrepresentable, "canonical.Bytes.transform", err)
	}
	out := make([]byte, 0, len(transformed)+1)
	out = append(out, transformed...)
	out = append(out, '\n')
	return out, nil
}

// Sha256Hex returns the lowercase hex SHA-256 digest of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sha256Base64 returns the standard base64 SHA-256 digest of data, used by
// signature fields that are not hex-rendered.
func Sha256Base64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashOf canonically encodes value and returns its hex SHA-256 digest.
func HashOf(value any) (string, error) {
	b, err := Bytes(value)
	if err != nil {
		return "", err
	}
	return Sha256Hex(b), nil
}

// GenesisMarker is the literal marker prepended for the first entry of
// chains that use the "GENESIS" prev-hash convention (spec §3).
const GenesisMarker = "GENESIS"

// ComputeHash implements chain hashing: strip hashField (and any other
// fields named in strip) from payload, prepend (prevHash or GenesisMarker)
// + "\n" to the canonical bytes of what remains, and return the hex
// SHA-256 digest. This is the "prev_marker || canonical" variant used by
// anchors, governor snapshots, and provenance runs (spec §3, §9 — distinct
// from the receipt variant in ComputeReceiptStyleHash below).
func ComputeHash(payload map[string]any, prevHash string, strip ...string) (string, error) {
	clean := stripFields(payload, strip...)
	body, err := Bytes(clean)
	if err != nil {
		return "", err
	}
	marker := prevHash
	if marker == "" {
		marker = GenesisMarker
	}
	prefixed := append([]byte(marker+"\n"), body...)
	return Sha256Hex(prefixed), nil
}

// ComputeReceiptStyleHash implements the receipt-chain hash variant: the
// hex SHA-256 of the canonical payload with hashField removed, with NO
// prev-hash prefix (spec §9 open question, resolved against
// original_source/sentientos/receipt_chain.py: receipts hash their own
// canonical body only; the chain linkage lives in prev_receipt_hash, not in
// the hash input).
func ComputeReceiptStyleHash(payload map[string]any, strip ...string) (string, error) {
	clean := stripFields(payload, strip...)
	body, err := Bytes(clean)
	if err != nil {
		return "", err
	}
	return Sha256Hex(body), nil
}

func stripFields(payload map[string]any, fields ...string) map[string]any {
	out := make(map[string]any, len(payload))
	skip := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		skip[f] = struct{}{}
	}
	for k, v := range payload {
		if _, drop := skip[k]; drop {
			continue
		}
		out[k] = v
	}
	return out
}

// ToMap round-trips value through JSON to a map[string]any, the shape the
// chain and envelope modules operate on (mirrors the teacher's "dynamic
// dict" payload convention translated to Go's map[string]any).
func ToMap(value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errs.New(errs.KindBadJSON, "canonical.ToMap", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.New(errs.KindBadJSON, "canonical.ToMap", err)
	}
	return m, nil
}

// Error describes an unrepresentable value (spec §4.1's
// CanonicalError::UnrepresentableValue). Bytes and HashOf do not return it:
// they report unrepresentable values as errs.KindUnrepresentable.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("canonical: unrepresentable value: %s", e.Reason) }
