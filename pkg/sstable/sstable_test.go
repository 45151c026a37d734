package sstable

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/types"
	"github.com/bobboyms/embeddb/pkg/wal"
)

func rowPayload(t *testing.T, m bson.M) bson.Raw {
	t.Helper()
	data, err := bson.Marshal(m)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return bson.Raw(data)
}

func TestWriteAndFind(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "000001.sst")

	entries := []Entry{
		{RowID: 1, Kind: KindRow, Payload: rowPayload(t, bson.M{"title": "a"})},
		{RowID: 3, Kind: KindTombstone},
		{RowID: 7, Kind: KindRow, Payload: rowPayload(t, bson.M{"title": "b"}),
			Meta: &types.EmbeddingMeta{Status: types.StatusReady, Vector: []float64{0.6, 0.8}}},
	}

	if err := WriteFile(path, entries); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if r.Count() != 3 {
		t.Errorf("Count = %d, want 3", r.Count())
	}
	if r.VectorDim() != 2 {
		t.Errorf("VectorDim = %d, want 2", r.VectorDim())
	}

	// 1. Point lookup de cada entrada
	e, ok, err := r.Find(3)
	if err != nil || !ok {
		t.Fatalf("Find(3): ok=%v err=%v", ok, err)
	}
	if e.Kind != KindTombstone {
		t.Errorf("Row 3 should be a tombstone")
	}

	e, ok, _ = r.Find(7)
	if !ok || e.Meta == nil || len(e.Meta.Vector) != 2 {
		t.Errorf("Row 7 vector not preserved: %+v", e)
	}

	// 2. Ausente
	if _, ok, _ := r.Find(2); ok {
		t.Error("Find(2) should be absent")
	}
	if _, ok, _ := r.Find(100); ok {
		t.Error("Find(100) should be absent")
	}
}

func TestScanOrder(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "000001.sst")

	entries := []Entry{
		{RowID: 2, Kind: KindRow, Payload: rowPayload(t, bson.M{"v": int64(2)})},
		{RowID: 5, Kind: KindRow, Payload: rowPayload(t, bson.M{"v": int64(5)})},
		{RowID: 9, Kind: KindRow, Payload: rowPayload(t, bson.M{"v": int64(9)})},
	}
	if err := WriteFile(path, entries); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	var seen []uint64
	err = r.Scan(func(e *Entry) error {
		seen = append(seen, e.RowID)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	want := []uint64{2, 5, 9}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Scan order %v, want %v", seen, want)
			break
		}
	}
}

func TestWriteRejectsUnsortedEntries(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "000001.sst")

	entries := []Entry{
		{RowID: 5, Kind: KindRow, Payload: rowPayload(t, bson.M{"v": int64(5)})},
		{RowID: 2, Kind: KindRow, Payload: rowPayload(t, bson.M{"v": int64(2)})},
	}
	err := WriteFile(path, entries)
	if err == nil {
		t.Fatal("Unsorted entries must be rejected")
	}
	if errors.KindOf(err) != errors.KindInvalidArgument {
		t.Errorf("Expected InvalidArgument, got %v", errors.KindOf(err))
	}
}

func TestWriteRejectsInconsistentDim(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "000001.sst")

	entries := []Entry{
		{RowID: 1, Kind: KindRow, Payload: rowPayload(t, bson.M{"v": int64(1)}),
			Meta: &types.EmbeddingMeta{Status: types.StatusReady, Vector: []float64{1, 0}}},
		{RowID: 2, Kind: KindRow, Payload: rowPayload(t, bson.M{"v": int64(2)}),
			Meta: &types.EmbeddingMeta{Status: types.StatusReady, Vector: []float64{1, 0, 0}}},
	}
	if err := WriteFile(path, entries); err == nil {
		t.Fatal("Inconsistent vector dims must be rejected")
	}
}

func TestOpenRejectsCorruption(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "000001.sst")

	entries := []Entry{{RowID: 1, Kind: KindRow, Payload: rowPayload(t, bson.M{"v": int64(1)})}}
	if err := WriteFile(path, entries); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// 1. Magic quebrado
	data, _ := os.ReadFile(path)
	bad := append([]byte(nil), data...)
	bad[0] ^= 0xFF
	badPath := filepath.Join(tmpDir, "bad_magic.sst")
	os.WriteFile(badPath, bad, 0644)
	if _, err := Open(badPath); errors.KindOf(err) != errors.KindCorruption {
		t.Errorf("Bad magic: expected Corruption, got %v", err)
	}

	// 2. Versão futura falha alto
	bad2 := append([]byte(nil), data...)
	bad2[4] = Version + 1
	// recalcula nada: o CRC do header vai reprovar antes, o que também
	// serve — mas queremos o caminho de versão, então refaz o CRC
	h := encodeHeaderForTest(bad2)
	copy(bad2[:headerSize], h[:])
	badPath2 := filepath.Join(tmpDir, "bad_version.sst")
	os.WriteFile(badPath2, bad2, 0644)
	if _, err := Open(badPath2); errors.KindOf(err) != errors.KindCorruption {
		t.Errorf("Future version: expected loud failure, got %v", err)
	}

	// 3. CRC de entrada corrompido
	bad3 := append([]byte(nil), data...)
	bad3[headerSize+6] ^= 0xFF
	badPath3 := filepath.Join(tmpDir, "bad_entry.sst")
	os.WriteFile(badPath3, bad3, 0644)
	r, err := Open(badPath3)
	if err != nil {
		t.Fatalf("Open should succeed (entry corruption is detected on read): %v", err)
	}
	defer r.Close()
	if _, _, err := r.Find(1); errors.KindOf(err) != errors.KindCorruption {
		t.Errorf("Corrupt entry: expected Corruption on Find, got %v", err)
	}
}

// encodeHeaderForTest reconstrói o header com CRC válido preservando
// os campos já presentes em data.
func encodeHeaderForTest(data []byte) [headerSize]byte {
	var h [headerSize]byte
	copy(h[:16], data[:16])
	binary.LittleEndian.PutUint32(h[16:20], wal.CalculateCRC32(h[:16]))
	return h
}

func TestRemoveOrphans(t *testing.T) {
	tmpDir := t.TempDir()
	orphan := filepath.Join(tmpDir, "000002.sst.tmp")
	os.WriteFile(orphan, []byte("partial"), 0644)
	keep := filepath.Join(tmpDir, "000001.sst")
	if err := WriteFile(keep, []Entry{{RowID: 1, Kind: KindTombstone}}); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := RemoveOrphans(tmpDir); err != nil {
		t.Fatalf("RemoveOrphans failed: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("Orphan .tmp should be removed")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("Complete SST must survive RemoveOrphans")
	}
}
