package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/sstable"
	"github.com/bobboyms/embeddb/pkg/types"
)

// Table é o estado de uma tabela: schema, memtable, lista de SSTs
// (mais novo primeiro) e o mapa de estado de embedding por linha.
// Todo acesso acontece sob o lock exclusivo do engine.
type Table struct {
	Name      string
	Schema    *types.Schema
	Embedding *types.EmbeddingSpec

	mem            *Memtable
	ssts           []*sstable.Reader
	embeddingState map[uint64]*types.EmbeddingMeta

	sstDir     string
	nextSSTSeq uint64
}

func newTable(dataDir, name string, schema *types.Schema, spec *types.EmbeddingSpec) *Table {
	return &Table{
		Name:           name,
		Schema:         schema,
		Embedding:      spec,
		mem:            NewMemtable(),
		embeddingState: make(map[uint64]*types.EmbeddingMeta),
		sstDir:         filepath.Join(dataDir, "tables", name, "sst"),
		nextSSTSeq:     1,
	}
}

// rowView é o resultado da regra de visibilidade
type rowView struct {
	found     bool
	tombstone bool
	payload   map[string]any
	sstMeta   *types.EmbeddingMeta // meta persistida no SST que resolveu a linha
}

// lookupRow é a regra de visibilidade ÚNICA: memtable primeiro,
// depois SSTs do mais novo ao mais velho. get, update, delete, o job
// worker e a busca consultam esta função; checagens duplicadas com
// acesso direto ao memtable já causaram regressões.
func (t *Table) lookupRow(rowID uint64) (rowView, error) {
	if e, ok := t.mem.Get(rowID); ok {
		if e.kind == sstable.KindTombstone {
			return rowView{found: true, tombstone: true}, nil
		}
		return rowView{found: true, payload: e.payload}, nil
	}

	for _, r := range t.ssts {
		entry, ok, err := r.Find(rowID)
		if err != nil {
			return rowView{}, err
		}
		if !ok {
			continue
		}
		if entry.Kind == sstable.KindTombstone {
			return rowView{found: true, tombstone: true}, nil
		}
		payload, err := decodeRow(t.Schema, entry.Payload)
		if err != nil {
			return rowView{}, err
		}
		return rowView{found: true, payload: payload, sstMeta: entry.Meta}, nil
	}
	return rowView{}, nil
}

// decodeRow deserializa e canonicaliza um payload persistido
// (int32 do BSON vira int64, Binary vira []byte, etc)
func decodeRow(schema *types.Schema, raw bson.Raw) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded map[string]any
	if err := bson.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode row payload: %w", err)
	}
	out := make(map[string]any, len(decoded))
	for name, v := range decoded {
		if v == nil {
			out[name] = nil
			continue
		}
		col := schema.Column(name)
		if col == nil {
			// Coluna que saiu do schema em versões antigas: preserva cru
			out[name] = v
			continue
		}
		nv, err := types.NormalizeValue(col.Type, v)
		if err != nil {
			return nil, fmt.Errorf("decode row payload, column %q: %w", name, err)
		}
		out[name] = nv
	}
	return out, nil
}

func encodeRow(payload map[string]any) (bson.Raw, error) {
	data, err := bson.Marshal(bson.M(payload))
	if err != nil {
		return nil, fmt.Errorf("encode row payload: %w", err)
	}
	return bson.Raw(data), nil
}

func (t *Table) sstPath(seq uint64) string {
	return filepath.Join(t.sstDir, fmt.Sprintf("%06d%s", seq, sstable.FileSuffix))
}

// openSSTs abre os SSTs existentes (numeração decrescente = mais novo
// primeiro) e devolve o maior row id observado, para o alocador.
func (t *Table) openSSTs() (uint64, error) {
	if err := os.MkdirAll(t.sstDir, 0755); err != nil {
		return 0, &errors.IoError{Op: "mkdir", Path: t.sstDir, Err: err}
	}
	if err := sstable.RemoveOrphans(t.sstDir); err != nil {
		return 0, err
	}

	dirEntries, err := os.ReadDir(t.sstDir)
	if err != nil {
		return 0, &errors.IoError{Op: "readdir", Path: t.sstDir, Err: err}
	}

	var seqs []uint64
	for _, de := range dirEntries {
		name := de.Name()
		if !strings.HasSuffix(name, sstable.FileSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, sstable.FileSuffix), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })

	var maxRowID uint64
	for _, seq := range seqs {
		r, err := sstable.Open(t.sstPath(seq))
		if err != nil {
			return 0, err
		}
		t.ssts = append(t.ssts, r)
		if r.MaxRowID() > maxRowID {
			maxRowID = r.MaxRowID()
		}
	}
	if len(seqs) > 0 {
		t.nextSSTSeq = seqs[0] + 1
	}
	return maxRowID, nil
}

// flush grava o memtable ordenado por row id em um novo SST (nível 0)
// e limpa o memtable. O WAL não é truncado aqui; isso é papel do
// checkpoint.
func (t *Table) flush() error {
	if t.mem.Len() == 0 {
		return nil
	}

	ids := t.mem.SortedIDs()
	entries := make([]sstable.Entry, 0, len(ids))
	for _, id := range ids {
		e, _ := t.mem.Get(id)
		entry := sstable.Entry{RowID: id, Kind: e.kind}
		if e.kind == sstable.KindRow {
			raw, err := encodeRow(e.payload)
			if err != nil {
				return err
			}
			entry.Payload = raw
		}
		if meta, ok := t.embeddingState[id]; ok {
			entry.Meta = meta.Clone()
		}
		entries = append(entries, entry)
	}

	seq := t.nextSSTSeq
	path := t.sstPath(seq)
	if err := sstable.WriteFile(path, entries); err != nil {
		return err
	}
	r, err := sstable.Open(path)
	if err != nil {
		return err
	}

	t.nextSSTSeq = seq + 1
	t.ssts = append([]*sstable.Reader{r}, t.ssts...)
	t.mem.Clear()
	return nil
}

// compact funde todos os SSTs L0 em um único SST: a versão mais nova
// de cada row id vence; como não resta nível mais antigo, os
// tombstones são elididos (full compaction).
func (t *Table) compact() error {
	if len(t.ssts) <= 1 {
		return nil
	}

	merged := make(map[uint64]*sstable.Entry)
	for _, r := range t.ssts { // mais novo primeiro: o primeiro visto vence
		err := r.Scan(func(e *sstable.Entry) error {
			if _, seen := merged[e.RowID]; !seen {
				merged[e.RowID] = e
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	ids := make([]uint64, 0, len(merged))
	for id, e := range merged {
		if e.Kind == sstable.KindTombstone {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	entries := make([]sstable.Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, *merged[id])
	}

	seq := t.nextSSTSeq
	path := t.sstPath(seq)
	if err := sstable.WriteFile(path, entries); err != nil {
		return err
	}
	r, err := sstable.Open(path)
	if err != nil {
		return err
	}

	// Substitui atomicamente: o novo arquivo já está durável; os
	// antigos só são removidos depois.
	old := t.ssts
	t.nextSSTSeq = seq + 1
	t.ssts = []*sstable.Reader{r}
	for _, o := range old {
		o.Close()
		if err := os.Remove(o.Path()); err != nil && !os.IsNotExist(err) {
			return &errors.IoError{Op: "remove", Path: o.Path(), Err: err}
		}
	}
	return nil
}

func (t *Table) closeSSTs() {
	for _, r := range t.ssts {
		r.Close()
	}
	t.ssts = nil
}

// TableStats agrega números de operação da tabela
type TableStats struct {
	Name            string
	MemtableEntries int
	MemtableBytes   int64
	SSTCount        int
	SSTEntries      int
	JobsPending     int
	JobsReady       int
	JobsFailed      int
}

func (t *Table) stats() TableStats {
	st := TableStats{
		Name:            t.Name,
		MemtableEntries: t.mem.Len(),
		MemtableBytes:   t.mem.ApproxBytes(),
		SSTCount:        len(t.ssts),
	}
	for _, r := range t.ssts {
		st.SSTEntries += r.Count()
	}
	for _, meta := range t.embeddingState {
		switch meta.Status {
		case types.StatusPending:
			st.JobsPending++
		case types.StatusReady:
			st.JobsReady++
		case types.StatusFailed:
			st.JobsFailed++
		}
	}
	return st
}
