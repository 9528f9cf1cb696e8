package ledger

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/kubegate-labs/kubegate/pkg/canonicalize"
)

// PackFormatVersion identifies the evidence pack layout.
const PackFormatVersion = "1.0.0"

// sealInfo is the HKDF info string binding derived keys to this use.
const sealInfo = "kubegate/evidence-pack-seal/v1"

// PackManifest describes an exported evidence pack. It is written into the
// pack and sealed with an HMAC, so a pack's own claims are tamper-evident
// even outside the ledger.
type PackManifest struct {
	PackID        string       `json:"pack_id"`
	FormatVersion string       `json:"format_version"`
	CreatedAt     time.Time    `json:"created_at"`
	EntryCount    int          `json:"entry_count"`
	StartSeq      uint64       `json:"start_sequence,omitempty"`
	EndSeq        uint64       `json:"end_sequence,omitempty"`
	EntriesSHA256 string       `json:"entries_sha256"`
	Verification  VerifyReport `json:"verification"`
}

// Exporter builds sealed evidence packs from the ledger. The seal key is
// derived from the master secret with HKDF, so rotating the master secret
// re-keys packs without reusing raw key material.
type Exporter struct {
	ledger  *Ledger
	sealKey []byte
	clock   func() time.Time
	newID   func() string
}

// NewExporter derives the pack seal key from masterSecret.
func NewExporter(l *Ledger, masterSecret []byte) (*Exporter, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("ledger: exporter requires a master secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("ledger: derive seal key: %w", err)
	}
	return &Exporter{
		ledger:  l,
		sealKey: key,
		clock:   time.Now,
		newID:   func() string { return uuid.NewString() },
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (x *Exporter) WithClock(clock func() time.Time) *Exporter {
	x.clock = clock
	return x
}

// Export verifies the full chain, then writes a zip evidence pack of the
// entries matching the filter to w. A chain that fails verification exports
// nothing: an auditor must never receive a pack from a broken trail.
//
// Pack layout:
//
//	entries.jsonl  one entry per line, sequence order
//	manifest.json  PackManifest
//	seal.txt       hex HMAC-SHA256 over the canonical manifest
func (x *Exporter) Export(ctx context.Context, f Filter, w io.Writer) (*PackManifest, error) {
	report, err := x.ledger.Verify(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := x.ledger.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	var lines bytes.Buffer
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("ledger: marshal entry %d: %w", e.Sequence, err)
		}
		lines.Write(b)
		lines.WriteByte('\n')
	}

	manifest := &PackManifest{
		PackID:        x.newID(),
		FormatVersion: PackFormatVersion,
		CreatedAt:     x.clock().UTC(),
		EntryCount:    len(entries),
		EntriesSHA256: canonicalize.HashBytes(lines.Bytes()),
		Verification:  *report,
	}
	if len(entries) > 0 {
		manifest.StartSeq = entries[0].Sequence
		manifest.EndSeq = entries[len(entries)-1].Sequence
	}

	manifestCanonical, err := canonicalize.JCS(manifest)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize manifest: %w", err)
	}
	seal := x.seal(manifestCanonical)

	zw := zip.NewWriter(w)
	files := []struct {
		name string
		data []byte
	}{
		{"entries.jsonl", lines.Bytes()},
		{"manifest.json", manifestCanonical},
		{"seal.txt", []byte(seal)},
	}
	for _, f := range files {
		fw, err := zw.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("ledger: pack %s: %w", f.name, err)
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, fmt.Errorf("ledger: write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("ledger: finalize pack: %w", err)
	}
	return manifest, nil
}

// VerifySeal reports whether seal matches the canonical manifest bytes.
func (x *Exporter) VerifySeal(manifestCanonical []byte, seal string) bool {
	return hmac.Equal([]byte(x.seal(manifestCanonical)), []byte(seal))
}

func (x *Exporter) seal(data []byte) string {
	mac := hmac.New(sha256.New, x.sealKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
