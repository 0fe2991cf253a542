// Package doctrine implements the doctrine_identity gate (spec §4.10 step
// 2): comparing a locally computed vow-manifest digest against the
// federation-identity baseline recorded the last time the two agreed.
package doctrine

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/errs"
	"github.com/sentientos/forge/pkg/verify"
)

// Baseline is the published federation-identity baseline (spec §6:
// "vow/immutable_manifest.json for the doctrine identity baseline").
type Baseline struct {
	SchemaVersion       int    `json:"schema_version"`
	ManifestSha256      string `json:"manifest_sha256"`
	ReceiptSchemaSha256 string `json:"receipt_schema_sha256,omitempty"`
	AnchorSchemaSha256  string `json:"anchor_schema_sha256,omitempty"`
	RecordedAt          string `json:"recorded_at,omitempty"`
}

// Fingerprints bundles the locally computed manifest + schema digests.
type Fingerprints struct {
	ManifestSha256      string
	ReceiptSchemaSha256 string
	AnchorSchemaSha256  string
}

// ComputeFingerprints hashes the immutable manifest and the two schema
// files referenced alongside it. Missing schema files yield an empty
// digest for that slot rather than an error, since not every deployment
// carries the optional schema-drift check.
func ComputeFingerprints(manifestPath, receiptSchemaPath, anchorSchemaPath string) (Fingerprints, error) {
	manifestHash, err := hashFile(manifestPath)
	if err != nil {
		return Fingerprints{}, err
	}
	if err := validateSchemaFile(receiptSchemaPath); err != nil {
		return Fingerprints{}, err
	}
	if err := validateSchemaFile(anchorSchemaPath); err != nil {
		return Fingerprints{}, err
	}
	receiptHash, _ := hashFile(receiptSchemaPath)
	anchorHash, _ := hashFile(anchorSchemaPath)
	return Fingerprints{
		ManifestSha256:      manifestHash,
		ReceiptSchemaSha256: receiptHash,
		AnchorSchemaSha256:  anchorHash,
	}, nil
}

func hashFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.New(errs.KindIOError, "doctrine.hashFile", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", errs.New(errs.KindBadJSON, "doctrine.hashFile.parse", err)
	}
	b, err := canonical.Bytes(decoded)
	if err != nil {
		return "", err
	}
	return canonical.Sha256Hex(b), nil
}

// validateSchemaFile rejects a receipt/anchor schema file that doesn't even
// compile as JSON Schema, rather than silently fingerprinting a malformed
// document as if it were a legitimate schema drift baseline. A missing file
// is not a validation failure — ComputeFingerprints already treats an
// absent schema as an empty, unenforced slot.
func validateSchemaFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.KindIOError, "doctrine.validateSchemaFile.read", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(path, bytes.NewReader(data)); err != nil {
		return errs.New(errs.KindBadJSON, "doctrine.validateSchemaFile.add_resource", err)
	}
	if _, err := c.Compile(path); err != nil {
		return errs.New(errs.KindBadJSON, "doctrine.validateSchemaFile.compile", err)
	}
	return nil
}

// LoadBaseline reads the federation-identity baseline file. A missing
// baseline is not an error: there is nothing to diverge from yet, so the
// gate reports ok (spec §4.10's gates "never throw").
func LoadBaseline(path string) (Baseline, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Baseline{}, false, nil
		}
		return Baseline{}, false, errs.New(errs.KindIOError, "doctrine.LoadBaseline", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return Baseline{}, false, errs.New(errs.KindBadJSON, "doctrine.LoadBaseline.parse", err)
	}
	return b, true, nil
}

// Check compares locally computed fingerprints against the baseline,
// producing a gate verdict. enforce escalates a mismatch from warn to
// fail (spec §6: "DOCTRINE_IDENTITY_{ENFORCE,WARN}").
func Check(fp Fingerprints, baseline Baseline, baselinePresent bool, enforce bool) verify.Verdict {
	if !baselinePresent {
		return verify.Verdict{Status: verify.StatusOK, Reason: "no_peer_snapshot"}
	}
	mismatch := fp.ManifestSha256 != baseline.ManifestSha256
	if baseline.ReceiptSchemaSha256 != "" && fp.ReceiptSchemaSha256 != baseline.ReceiptSchemaSha256 {
		mismatch = true
	}
	if baseline.AnchorSchemaSha256 != "" && fp.AnchorSchemaSha256 != baseline.AnchorSchemaSha256 {
		mismatch = true
	}
	if !mismatch {
		return verify.Verdict{Status: verify.StatusOK}
	}
	status := verify.StatusWarn
	if enforce {
		status = verify.StatusFail
	}
	return verify.Verdict{Status: status, Reason: "doctrine_identity_mismatch"}
}
