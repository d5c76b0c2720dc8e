package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/veriscope-labs/veriscope/pkg/canonicalize"
	"github.com/veriscope-labs/veriscope/pkg/model"
)

// ExportBundle is a signed, self-verifying export of a case's audit trail.
type ExportBundle struct {
	CaseUID     string            `json:"case_uid"`
	ExportedAt  time.Time         `json:"exported_at"`
	Actions     []model.Action    `json:"actions"`
	ToolTraces  []model.ToolTrace `json:"tool_traces"`
	ContentHash string            `json:"content_hash"`
	Signature   string            `json:"signature,omitempty"`
	PublicKey   string            `json:"public_key,omitempty"`
}

// Keyring derives per-case ed25519 signing keys from a master secret via
// HKDF, so exports are verifiable without storing one key per case.
type Keyring struct {
	master []byte
}

// NewKeyring wraps a master secret. The secret never leaves the process.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("audit: master secret too short")
	}
	return &Keyring{master: master}, nil
}

func (k *Keyring) keyFor(caseUID string) (ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, k.master, []byte("veriscope-audit-export"), []byte(caseUID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("audit: key derivation failed: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Export assembles and signs a bundle.
func (k *Keyring) Export(caseUID string, actions []model.Action, traces []model.ToolTrace) (*ExportBundle, error) {
	b := &ExportBundle{
		CaseUID:    caseUID,
		ExportedAt: time.Now().UTC(),
		Actions:    actions,
		ToolTraces: traces,
	}

	hash, err := canonicalize.Hash(struct {
		CaseUID    string            `json:"case_uid"`
		Actions    []model.Action    `json:"actions"`
		ToolTraces []model.ToolTrace `json:"tool_traces"`
	}{b.CaseUID, b.Actions, b.ToolTraces})
	if err != nil {
		return nil, fmt.Errorf("audit: bundle hashing failed: %w", err)
	}
	b.ContentHash = hash

	priv, err := k.keyFor(caseUID)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, []byte(hash))
	b.Signature = base64.StdEncoding.EncodeToString(sig)
	b.PublicKey = base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	return b, nil
}

// Verify checks a bundle's hash and signature.
func Verify(b *ExportBundle) error {
	hash, err := canonicalize.Hash(struct {
		CaseUID    string            `json:"case_uid"`
		Actions    []model.Action    `json:"actions"`
		ToolTraces []model.ToolTrace `json:"tool_traces"`
	}{b.CaseUID, b.Actions, b.ToolTraces})
	if err != nil {
		return fmt.Errorf("audit: bundle hashing failed: %w", err)
	}
	if hash != b.ContentHash {
		return fmt.Errorf("audit: bundle content hash mismatch")
	}

	pub, err := base64.StdEncoding.DecodeString(b.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("audit: malformed public key")
	}
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return fmt.Errorf("audit: malformed signature")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(hash), sig) {
		return fmt.Errorf("audit: signature verification failed")
	}
	return nil
}

// MarshalJSONL renders the bundle's records as JSON lines for file export.
func (b *ExportBundle) MarshalJSONL() ([]byte, error) {
	var out []byte
	for i := range b.Actions {
		line, err := json.Marshal(b.Actions[i])
		if err != nil {
			return nil, err
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	for i := range b.ToolTraces {
		line, err := json.Marshal(b.ToolTraces[i])
		if err != nil {
			return nil, err
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out, nil
}
