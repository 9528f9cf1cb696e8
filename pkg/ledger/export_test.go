package ledger

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

func TestExportBuildsSealedPack(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 3)

	x, err := NewExporter(l, []byte("master-secret"))
	require.NoError(t, err)

	var buf bytes.Buffer
	manifest, err := x.Export(context.Background(), Filter{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, manifest.EntryCount)
	assert.Equal(t, uint64(1), manifest.StartSeq)
	assert.Equal(t, uint64(3), manifest.EndSeq)
	assert.Equal(t, 3, manifest.Verification.Entries)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	contents := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		contents[f.Name] = data
	}
	require.Contains(t, contents, "entries.jsonl")
	require.Contains(t, contents, "manifest.json")
	require.Contains(t, contents, "seal.txt")

	// The seal binds the manifest bytes inside the pack.
	assert.True(t, x.VerifySeal(contents["manifest.json"], string(contents["seal.txt"])))
	assert.False(t, x.VerifySeal(append(contents["manifest.json"], ' '), string(contents["seal.txt"])))

	// Each line of entries.jsonl is one chain entry.
	lines := strings.Split(strings.TrimSpace(string(contents["entries.jsonl"])), "\n")
	require.Len(t, lines, 3)
	var first Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, genesisHash, first.PrevHash)
}

func TestExportRefusesBrokenChain(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, 2)
	require.NoError(t, store.tamper(1, func(e *Entry) { e.ActorID = "forged" }))

	x, err := NewExporter(l, []byte("master-secret"))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = x.Export(context.Background(), Filter{}, &buf)
	require.ErrorIs(t, err, contracts.ErrIntegrityViolation)
	assert.Zero(t, buf.Len(), "no pack bytes may be written for a broken chain")
}

func TestExporterRequiresSecret(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := NewExporter(l, nil)
	require.Error(t, err)
}

func TestSealKeyDerivedFromSecret(t *testing.T) {
	l, _ := newTestLedger(t)
	x1, err := NewExporter(l, []byte("secret-a"))
	require.NoError(t, err)
	x2, err := NewExporter(l, []byte("secret-b"))
	require.NoError(t, err)

	data := []byte(`{"pack_id":"p"}`)
	assert.NotEqual(t, x1.seal(data), x2.seal(data))

	x1again, err := NewExporter(l, []byte("secret-a"))
	require.NoError(t, err)
	assert.Equal(t, x1.seal(data), x1again.seal(data))
}

func TestFileSinkStoresPack(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	loc, err := sink.Put(context.Background(), "pack-1.zip", []byte("pack-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc, "pack-1.zip"))
}

func TestExportFilteredByPlan(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 2)
	_, err := l.Append(context.Background(), contracts.PipelineEvent{
		Type: contracts.EventApprovalStep, ActorID: "approver-1", PlanID: "plan-other",
	})
	require.NoError(t, err)

	x, err := NewExporter(l, []byte("master-secret"))
	require.NoError(t, err)

	var buf bytes.Buffer
	manifest, err := x.Export(context.Background(), Filter{PlanID: "plan-other"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.EntryCount)
	// Verification still covers the whole chain, not just the filtered slice.
	assert.Equal(t, 3, manifest.Verification.Entries)
}
