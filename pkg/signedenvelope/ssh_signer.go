package signedenvelope

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ssh"

	"github.com/sentientos/forge/pkg/errs"
)

// SSHSigner implements Signer by shelling out to `ssh-keygen -Y sign` /
// `-Y verify`, per spec §4.3's ed25519 mode. A short-lived subprocess is
// spawned per operation; the Timeout field bounds it, 10s when unset
// (spec §5: "a blocked ssh-keygen is a fatal ssh_sign_failed").
type SSHSigner struct {
	KeyPath            string
	AllowedSignersPath string
	PublicKeyIDValue   string
	Timeout            time.Duration
}

func (s SSHSigner) Algorithm() Algorithm { return AlgorithmEd25519 }
func (s SSHSigner) PublicKeyID() string  { return s.PublicKeyIDValue }

// Available implements Signer.Available / spec §9's verify_available():
// checked once at startup so an enforce-mode configuration with a missing
// ssh-keygen binary or key material fails fast rather than at sign time.
func (s SSHSigner) Available() bool {
	if s.KeyPath == "" || s.PublicKeyIDValue == "" {
		return false
	}
	if _, err := exec.LookPath("ssh-keygen"); err != nil {
		return false
	}
	if _, err := os.Stat(s.KeyPath); err != nil {
		return false
	}
	return true
}

func (s SSHSigner) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 10 * time.Second
}

// Sign writes sigPayloadSha256 to a temp file, invokes `ssh-keygen -Y sign`
// with the given namespace, and returns the resulting armored signature.
func (s SSHSigner) Sign(namespace string, sigPayloadSha256 string) (string, error) {
	if !s.Available() {
		return "", errs.New(errs.KindSigningConfigMissing, "SSHSigner.Sign", fmt.Errorf("ssh signer unavailable"))
	}
	dir, err := os.MkdirTemp("", "forge-ssh-sign-*")
	if err != nil {
		return "", errs.New(errs.KindIOError, "SSHSigner.Sign.mkdtemp", err)
	}
	defer os.RemoveAll(dir)

	dataPath := filepath.Join(dir, "payload")
	if err := os.WriteFile(dataPath, []byte(sigPayloadSha256), 0o600); err != nil {
		return "", errs.New(errs.KindIOError, "SSHSigner.Sign.write", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()
	cmd := exec.CommandContext(ctx, "ssh-keygen", "-Y", "sign", "-f", s.KeyPath, "-n", namespace, dataPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errs.New(errs.KindSSHSignFailed, "SSHSigner.Sign.run", fmt.Errorf("%w: %s", err, stderr.String()))
	}

	sigBytes, err := os.ReadFile(dataPath + ".sig")
	if err != nil {
		return "", errs.New(errs.KindSSHSignFailed, "SSHSigner.Sign.readsig", err)
	}
	return string(sigBytes), nil
}

// Verify invokes `ssh-keygen -Y verify` against the configured
// allowed-signers file and this signer's public key id.
func (s SSHSigner) Verify(namespace string, sigPayloadSha256 string, signatureArmored string) error {
	if s.AllowedSignersPath == "" || s.PublicKeyIDValue == "" {
		return errs.New(errs.KindAllowedSignersKeyIDMiss, "SSHSigner.Verify", nil)
	}
	dir, err := os.MkdirTemp("", "forge-ssh-verify-*")
	if err != nil {
		return errs.New(errs.KindIOError, "SSHSigner.Verify.mkdtemp", err)
	}
	defer os.RemoveAll(dir)

	dataPath := filepath.Join(dir, "payload")
	sigPath := filepath.Join(dir, "payload.sig")
	if err := os.WriteFile(dataPath, []byte(sigPayloadSha256), 0o600); err != nil {
		return errs.New(errs.KindIOError, "SSHSigner.Verify.write", err)
	}
	if err := os.WriteFile(sigPath, []byte(signatureArmored), 0o600); err != nil {
		return errs.New(errs.KindIOError, "SSHSigner.Verify.writesig", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()
	cmd := exec.CommandContext(ctx, "ssh-keygen", "-Y", "verify",
		"-f", s.AllowedSignersPath,
		"-I", s.PublicKeyIDValue,
		"-n", namespace,
		"-s", sigPath,
	)
	cmd.Stdin = bytes.NewReader([]byte(sigPayloadSha256))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errs.New(errs.KindSignatureInvalid, "SSHSigner.Verify.run", fmt.Errorf("%w: %s", err, stderr.String()))
	}
	return nil
}

// ParseAllowedSigners parses an OpenSSH allowed_signers file into a map of
// principal -> authorized public keys, using golang.org/x/crypto/ssh's
// wire-format key parser so a malformed entry is rejected the same way
// ssh-keygen -Y verify would reject it.
func ParseAllowedSigners(path string) (map[string][]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.KindIOError, "ParseAllowedSigners.read", err)
	}
	out := map[string][]ssh.PublicKey{}
	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		principals, _, pubKey, _, remaining, err := parseAllowedSignersLine(rest)
		if err != nil {
			return nil, errs.New(errs.KindAllowedSignersKeyIDMiss, "ParseAllowedSigners.parse", err)
		}
		for _, p := range principals {
			out[p] = append(out[p], pubKey)
		}
		rest = remaining
	}
	return out, nil
}

// parseAllowedSignersLine parses one "principal[,principal...] [options] keytype key"
// line. Each line is delegated to ssh.ParseAuthorizedKey after stripping
// the leading principal list, mirroring how ssh-keygen itself tokenizes
// an allowed_signers file.
func parseAllowedSignersLine(data []byte) (principals []string, comment string, pubKey ssh.PublicKey, rest []byte, remaining []byte, err error) {
	line, tail := splitLine(data)
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return nil, "", nil, nil, tail, fmt.Errorf("malformed allowed_signers line")
	}
	principalField := string(fields[0])
	for _, p := range bytesSplitComma(principalField) {
		principals = append(principals, p)
	}
	keyPart := bytes.Join(fields[1:], []byte(" "))
	pubKey, comment, _, _, perr := ssh.ParseAuthorizedKey(keyPart)
	if perr != nil {
		return nil, "", nil, nil, tail, perr
	}
	return principals, comment, pubKey, nil, tail, nil
}

func splitLine(data []byte) (line, rest []byte) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return bytes.TrimSpace(data), nil
	}
	return bytes.TrimSpace(data[:idx]), data[idx+1:]
}

func bytesSplitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// DeriveStreamSubkey derives a per-stream signing subkey from a process
// master seed via HKDF-SHA256, following governance/keyring.go's
// per-tenant key derivation idiom, so distinct streams never share key
// material even when backed by a single configured master secret.
func DeriveStreamSubkey(masterSeed []byte, stream Stream, size int) ([]byte, error) {
	reader := hkdf.New(newSHA256, masterSeed, nil, []byte("forge-envelope:"+string(stream)))
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, errs.New(errs.KindSigningConfigMissing, "DeriveStreamSubkey", err)
	}
	return out, nil
}
