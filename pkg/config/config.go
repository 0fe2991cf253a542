// Package config loads forge's environment-variable configuration once
// per operation and an optional YAML overlay for the posture threshold
// table, following spec §5's "environment variables are read once at
// operation start and cached within the call" rule.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sentientos/forge/pkg/errs"
)

// GateSeverity is a gate's resolved enforce/warn bits for the tick.
type GateSeverity struct {
	Enforce bool
	Warn    bool
}

// VerifyPolicy is one stream's verify-enable/budget configuration.
type VerifyPolicy struct {
	Enabled bool
	LastN   int
}

// SigningConfig names one envelope stream's signing backend and key material.
type SigningConfig struct {
	Mode              string
	HMACSecret        string
	SSHKeyPath        string
	AllowedSignersPath string
	PublicKeyID       string
}

// Snapshot is the env-var configuration captured at the start of a single
// tick/operation; it is never re-read mid-operation (spec §5).
type Snapshot struct {
	Posture                  string
	ModeForce                string
	ModeAllowAutomerge       *bool
	ModeAllowPublish         *bool
	MaxVerifyStreamsPerTick  int
	MaxVerifyItemsPerStream  int
	AllowCatalogRebuild      bool
	AttestationMinIntervalSeconds int
	AnchorWitnessPublish     bool
	AnchorWitnessBackend     string
	ObsEnabled               bool
	ObsOTLPEndpoint          string

	GateSeverity map[string]GateSeverity
	VerifyPolicy map[string]VerifyPolicy
	Signing      map[string]SigningConfig
}

// gateNames enumerates every SENTIENTOS_{NAME}_{ENFORCE,WARN} gate (spec §6).
var gateNames = []string{
	"RECEIPT_CHAIN", "RECEIPT_ANCHOR", "AUDIT_CHAIN", "ATTESTATION_SNAPSHOT",
	"ROLLUP_SIG", "STRATEGIC_SIG", "FEDERATION_INTEGRITY", "DOCTRINE_IDENTITY",
}

// verifyStreamNames enumerates every SENTIENTOS_{NAME}_VERIFY stream.
var verifyStreamNames = []string{
	"RECEIPT_CHAIN", "RECEIPT_ANCHOR", "AUDIT_CHAIN", "ATTESTATION_SNAPSHOT",
	"ROLLUP_SIG", "STRATEGIC_SIG",
}

// signingStreamNames enumerates every SENTIENTOS_{NAME}_SIGNING stream.
var signingStreamNames = []string{
	"ROLLUP", "STRATEGIC", "ATTESTATION_SNAPSHOT", "ANCHOR", "RECEIPT_ANCHOR", "OPERATOR_REPORT",
}

// Load captures the current environment into a Snapshot.
func Load() Snapshot {
	s := Snapshot{
		Posture:                 getenv("SENTIENTOS_POSTURE", "balanced"),
		ModeForce:               os.Getenv("SENTIENTOS_MODE_FORCE"),
		MaxVerifyStreamsPerTick: intEnv("SENTIENTOS_INTEGRITY_MAX_VERIFY_STREAMS", 3),
		MaxVerifyItemsPerStream: intEnv("SENTIENTOS_INTEGRITY_MAX_VERIFY_LAST_N", 25),
		AllowCatalogRebuild:     os.Getenv("SENTIENTOS_ALLOW_CATALOG_REBUILD") == "1",
		AttestationMinIntervalSeconds: intEnv("SENTIENTOS_ATTESTATION_SNAPSHOT_MIN_INTERVAL_SECONDS", 600),
		AnchorWitnessPublish:    os.Getenv("SENTIENTOS_ANCHOR_WITNESS_PUBLISH") == "1",
		AnchorWitnessBackend:    getenv("SENTIENTOS_ANCHOR_WITNESS_BACKEND", "file"),
		ObsEnabled:              os.Getenv("SENTIENTOS_OBS_ENABLED") == "1",
		ObsOTLPEndpoint:         getenv("SENTIENTOS_OBS_OTLP_ENDPOINT", "localhost:4317"),
		GateSeverity:            map[string]GateSeverity{},
		VerifyPolicy:            map[string]VerifyPolicy{},
		Signing:                 map[string]SigningConfig{},
	}
	if v, ok := boolPtr("SENTIENTOS_MODE_ALLOW_AUTOMERGE"); ok {
		s.ModeAllowAutomerge = v
	}
	if v, ok := boolPtr("SENTIENTOS_MODE_ALLOW_PUBLISH"); ok {
		s.ModeAllowPublish = v
	}
	for _, name := range gateNames {
		s.GateSeverity[name] = GateSeverity{
			Enforce: os.Getenv("SENTIENTOS_"+name+"_ENFORCE") == "1",
			Warn:    os.Getenv("SENTIENTOS_"+name+"_WARN") == "1",
		}
	}
	for _, name := range verifyStreamNames {
		s.VerifyPolicy[name] = VerifyPolicy{
			Enabled: os.Getenv("SENTIENTOS_"+name+"_VERIFY") == "1",
			LastN:   intEnv("SENTIENTOS_"+name+"_VERIFY_LAST_N", 25),
		}
	}
	for _, name := range signingStreamNames {
		s.Signing[name] = SigningConfig{
			Mode:               getenv("SENTIENTOS_"+name+"_SIGNING", "off"),
			HMACSecret:         os.Getenv("SENTIENTOS_" + name + "_HMAC_SECRET"),
			SSHKeyPath:         os.Getenv("SENTIENTOS_" + name + "_SSH_KEY"),
			AllowedSignersPath: os.Getenv("SENTIENTOS_" + name + "_ALLOWED_SIGNERS"),
			PublicKeyID:        os.Getenv("SENTIENTOS_" + name + "_PUBLIC_KEY_ID"),
		}
	}
	return s
}

func getenv(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func intEnv(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func boolPtr(name string) (*bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return nil, false
	}
	v := raw == "1"
	return &v, true
}

// PostureOverlay is the optional YAML file overlaying per-posture
// threshold bases (warn/enforce/critical), loaded over the fixed table in
// pkg/posture. Operators edit this file instead of passing env vars for
// every threshold individually.
type PostureOverlay struct {
	Thresholds map[string]struct {
		Warn     int `yaml:"warn"`
		Enforce  int `yaml:"enforce"`
		Critical int `yaml:"critical"`
	} `yaml:"thresholds"`
}

// LoadPostureOverlay reads and parses a YAML posture-threshold overlay
// file. A missing file is not an error; it simply yields a zero-value
// overlay (no overrides).
func LoadPostureOverlay(path string) (PostureOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PostureOverlay{}, nil
		}
		return PostureOverlay{}, errs.New(errs.KindIOError, "config.LoadPostureOverlay", err)
	}
	var overlay PostureOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return PostureOverlay{}, errs.New(errs.KindBadJSON, "config.LoadPostureOverlay.parse", err)
	}
	return overlay, nil
}
