package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/types"
	"github.com/bobboyms/embeddb/pkg/wal"
)

// LockFileName é o arquivo de lock exclusivo do diretório de dados
const LockFileName = "embeddb.lock"

// Engine é uma instância do banco, parametrizada por data dir.
// Sem singleton de processo: testes e hosts podem abrir vários
// engines em diretórios distintos.
//
// Modelo de concorrência: um único lock exclusivo guarda todo o
// estado mutável (memtables, estado de embedding, handle do WAL,
// lista de SSTs). Toda operação pública adquire o lock; a ordem de
// serialização entre chamadores é a ordem de aquisição.
type Engine struct {
	mu         sync.Mutex
	opts       Options
	log        zerolog.Logger
	fileLock   *flock.Flock
	instanceID string

	wal    *wal.Writer
	tables map[string]*Table
	rowIDs *RowIDAllocator
	closed bool
}

// Open adquire o lock do diretório, resolve uma possível rotação de
// WAL interrompida, reproduz o log e reconstrói memtables, estado de
// embedding e o alocador de row id.
func Open(opts Options) (*Engine, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.DirPath, 0755); err != nil {
		return nil, &errors.IoError{Op: "mkdir", Path: opts.DirPath, Err: err}
	}

	lockPath := filepath.Join(opts.DirPath, LockFileName)
	fileLock := flock.New(lockPath)
	held, err := fileLock.TryLock()
	if err != nil {
		return nil, &errors.IoError{Op: "flock", Path: lockPath, Err: err}
	}
	if !held {
		return nil, &errors.AlreadyOpenError{Dir: opts.DirPath}
	}

	e := &Engine{
		opts:       opts,
		log:        opts.logger().With().Str("component", "embeddb").Logger(),
		fileLock:   fileLock,
		instanceID: uuid.NewString(),
		tables:     make(map[string]*Table),
		rowIDs:     NewRowIDAllocator(1),
	}

	// Diagnóstico de operador: quem segura o lock
	_ = os.WriteFile(lockPath, []byte(fmt.Sprintf("pid=%d instance=%s\n", os.Getpid(), e.instanceID)), 0644)

	logPath, err := wal.ResolveForOpen(opts.DirPath)
	if err != nil {
		fileLock.Unlock()
		return nil, err
	}

	records, clean, err := wal.Replay(logPath)
	if err != nil {
		// Corrupção no meio do stream: open recusa alto
		fileLock.Unlock()
		return nil, err
	}
	if !clean {
		// Cauda truncada por crash de append: descarta antes de
		// voltar a escrever no log
		if err := wal.RepairTail(logPath); err != nil {
			fileLock.Unlock()
			return nil, err
		}
	}

	if err := e.recover(records); err != nil {
		e.releaseAll()
		return nil, err
	}

	// Replay bem sucedido: wal.prev de uma rotação crashada pode ir embora
	if err := os.Remove(filepath.Join(opts.DirPath, wal.PrevFileName)); err != nil && !os.IsNotExist(err) {
		e.releaseAll()
		return nil, &errors.IoError{Op: "remove", Path: wal.PrevFileName, Err: err}
	}

	w, err := wal.OpenWriter(logPath)
	if err != nil {
		e.releaseAll()
		return nil, err
	}
	e.wal = w

	e.log.Info().
		Int("wal_records", len(records)).
		Int("tables", len(e.tables)).
		Uint64("next_row_id", e.rowIDs.Current()).
		Msg("engine opened")
	return e, nil
}

func (e *Engine) releaseAll() {
	for _, t := range e.tables {
		t.closeSSTs()
	}
	if e.wal != nil {
		e.wal.Close()
	}
	e.fileLock.Unlock()
}

// Close libera WAL, SSTs e o lock do diretório. Idempotente.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	if e.wal != nil {
		err = e.wal.Close()
		e.wal = nil
	}
	for _, t := range e.tables {
		t.closeSSTs()
	}
	if uErr := e.fileLock.Unlock(); err == nil && uErr != nil {
		err = &errors.IoError{Op: "funlock", Path: e.opts.DirPath, Err: uErr}
	}
	return err
}

func (e *Engine) table(name string) (*Table, error) {
	t, ok := e.tables[name]
	if !ok {
		return nil, &errors.TableNotFoundError{Name: name}
	}
	return t, nil
}

// maybeAutoCheckpointLocked roda o preflight de autocheckpoint: se o
// WAL passou do limiar, o checkpoint roda ANTES do append da operação
// corrente; se falhar, a operação originadora falha junto.
func (e *Engine) maybeAutoCheckpointLocked() error {
	if e.opts.WALAutoCheckpointBytes <= 0 {
		return nil
	}
	if e.wal.Size() < e.opts.WALAutoCheckpointBytes {
		return nil
	}
	return e.checkpointLocked()
}

// CreateTable registra uma tabela nova. Persiste um CreateTable no
// WAL antes de qualquer efeito em memória.
func (e *Engine) CreateTable(name string, schema *types.Schema, spec *types.EmbeddingSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" || strings.ContainsAny(name, "/\\") {
		return &errors.InvalidArgumentError{Reason: fmt.Sprintf("invalid table name %q", name)}
	}
	if schema == nil {
		return &errors.InvalidArgumentError{Reason: "schema is required"}
	}
	if err := schema.Validate(); err != nil {
		return &errors.InvalidArgumentError{Reason: err.Error()}
	}
	if spec != nil {
		if err := spec.Validate(schema); err != nil {
			return &errors.InvalidArgumentError{Reason: err.Error()}
		}
	}
	if _, exists := e.tables[name]; exists {
		return &errors.TableAlreadyExistsError{Name: name}
	}

	if err := e.maybeAutoCheckpointLocked(); err != nil {
		return err
	}

	t := newTable(e.opts.DirPath, name, schema, spec)
	if err := os.MkdirAll(t.sstDir, 0755); err != nil {
		return &errors.IoError{Op: "mkdir", Path: t.sstDir, Err: err}
	}

	rec := &wal.Record{Type: wal.RecordCreateTable, Table: name, Schema: schema, Embedding: spec}
	if err := e.wal.Append(rec, true); err != nil {
		return err
	}

	e.tables[name] = t
	return nil
}

// ListTables devolve os nomes em ordem determinística
func (e *Engine) ListTables() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DescribeTable devolve schema e embedding spec da tabela
func (e *Engine) DescribeTable(name string) (*types.Schema, *types.EmbeddingSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.table(name)
	if err != nil {
		return nil, nil, err
	}
	return t.Schema, t.Embedding, nil
}

// Stats devolve os números de operação da tabela
func (e *Engine) Stats(name string) (TableStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.table(name)
	if err != nil {
		return TableStats{}, err
	}
	return t.stats(), nil
}

// InsertRow valida o payload, aloca o row id, persiste PutRow (e o
// meta Pending quando a tabela tem embedding spec) e só então aplica
// ao memtable. WAL antes de memória, sempre.
func (e *Engine) InsertRow(table string, payload map[string]any) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(table)
	if err != nil {
		return 0, err
	}
	normalized, err := t.Schema.ValidateRow(payload)
	if err != nil {
		return 0, &errors.SchemaViolationError{Table: table, Reason: err.Error()}
	}

	if err := e.maybeAutoCheckpointLocked(); err != nil {
		return 0, err
	}

	rowID := e.rowIDs.Current()
	raw, err := encodeRow(normalized)
	if err != nil {
		return 0, err
	}

	if err := e.wal.Append(&wal.Record{Type: wal.RecordPutRow, Table: table, RowID: rowID, Payload: raw}, true); err != nil {
		return 0, err
	}

	var meta *types.EmbeddingMeta
	if t.Embedding != nil {
		meta = &types.EmbeddingMeta{
			Status:      types.StatusPending,
			ContentHash: contentHash(t.Embedding, normalized),
		}
		rec := &wal.Record{Type: wal.RecordUpsertEmbeddingMeta, Table: table, RowID: rowID, Meta: meta}
		if err := e.wal.Append(rec, true); err != nil {
			return 0, err
		}
	}

	e.rowIDs.Set(rowID + 1)
	t.mem.PutRow(rowID, normalized)
	if meta != nil {
		t.embeddingState[rowID] = meta
	}
	return rowID, nil
}

// UpdateRow substitui o payload de uma linha existente (checagem de
// existência pela regra de visibilidade: linhas só em SST também
// contam). Se o hash de conteúdo dos campos de origem mudou, o job de
// embedding volta a Pending com attempts zerado.
func (e *Engine) UpdateRow(table string, rowID uint64, payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(table)
	if err != nil {
		return err
	}
	view, err := t.lookupRow(rowID)
	if err != nil {
		return err
	}
	if !view.found || view.tombstone {
		return &errors.RowNotFoundError{Table: table, RowID: rowID}
	}

	normalized, err := t.Schema.ValidateRow(payload)
	if err != nil {
		return &errors.SchemaViolationError{Table: table, Reason: err.Error()}
	}

	if err := e.maybeAutoCheckpointLocked(); err != nil {
		return err
	}

	raw, err := encodeRow(normalized)
	if err != nil {
		return err
	}

	var newMeta *types.EmbeddingMeta
	if t.Embedding != nil {
		newHash := contentHash(t.Embedding, normalized)
		prev := t.embeddingState[rowID]
		if prev == nil || prev.ContentHash != newHash {
			newMeta = &types.EmbeddingMeta{Status: types.StatusPending, ContentHash: newHash}
		}
	}

	if err := e.wal.Append(&wal.Record{Type: wal.RecordPutRow, Table: table, RowID: rowID, Payload: raw}, true); err != nil {
		return err
	}
	if newMeta != nil {
		rec := &wal.Record{Type: wal.RecordUpsertEmbeddingMeta, Table: table, RowID: rowID, Meta: newMeta}
		if err := e.wal.Append(rec, true); err != nil {
			return err
		}
	}

	t.mem.PutRow(rowID, normalized)
	if newMeta != nil {
		t.embeddingState[rowID] = newMeta
	}
	return nil
}

// DeleteRow marca a linha com tombstone e limpa o meta de embedding
func (e *Engine) DeleteRow(table string, rowID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(table)
	if err != nil {
		return err
	}
	view, err := t.lookupRow(rowID)
	if err != nil {
		return err
	}
	if !view.found || view.tombstone {
		return &errors.RowNotFoundError{Table: table, RowID: rowID}
	}

	if err := e.maybeAutoCheckpointLocked(); err != nil {
		return err
	}

	if err := e.wal.Append(&wal.Record{Type: wal.RecordDeleteRow, Table: table, RowID: rowID}, true); err != nil {
		return err
	}

	t.mem.PutTombstone(rowID)
	delete(t.embeddingState, rowID)
	return nil
}

// GetRow devolve o payload da linha ou NotFound se ausente/tombstone
func (e *Engine) GetRow(table string, rowID uint64) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(table)
	if err != nil {
		return nil, err
	}
	view, err := t.lookupRow(rowID)
	if err != nil {
		return nil, err
	}
	if !view.found || view.tombstone {
		return nil, &errors.RowNotFoundError{Table: table, RowID: rowID}
	}

	// Cópia rasa: o chamador não enxerga o mapa interno do memtable
	out := make(map[string]any, len(view.payload))
	for k, v := range view.payload {
		out[k] = v
	}
	return out, nil
}

// Flush materializa o memtable da tabela em um novo SST L0
func (e *Engine) Flush(table string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.table(table)
	if err != nil {
		return err
	}
	return t.flush()
}

// Compact funde os SSTs L0 da tabela em um só, elidindo tombstones
func (e *Engine) Compact(table string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.table(table)
	if err != nil {
		return err
	}
	return t.compact()
}

// DBStats agrega números do banco inteiro
type DBStats struct {
	Tables       int
	WALSizeBytes int64
	WALAppends   uint64
	WALSyncs     uint64
	NextRowID    uint64
}

func (e *Engine) DBStats() DBStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	appends, syncs := e.wal.Stats()
	return DBStats{
		Tables:       len(e.tables),
		WALSizeBytes: e.wal.Size(),
		WALAppends:   appends,
		WALSyncs:     syncs,
		NextRowID:    e.rowIDs.Current(),
	}
}

// contentHash calcula o hash estável da concatenação das renderizações
// textuais dos campos de origem (separador 0x1f evita colisão entre
// campos adjacentes).
func contentHash(spec *types.EmbeddingSpec, payload map[string]any) string {
	h := sha256.New()
	for i, col := range spec.SourceColumns {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(types.RenderValue(payload[col])))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// sourceText concatena os campos de origem para o embedder
func sourceText(spec *types.EmbeddingSpec, payload map[string]any) string {
	parts := make([]string, 0, len(spec.SourceColumns))
	for _, col := range spec.SourceColumns {
		parts = append(parts, types.RenderValue(payload[col]))
	}
	return strings.Join(parts, "\n")
}
