package storage

import (
	"sort"

	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/types"
	"github.com/bobboyms/embeddb/pkg/wal"
)

// JobCounters resume um lote de processamento de jobs
type JobCounters struct {
	Processed int
	Failed    int
	Retried   int
}

// Job é a visão de operador de um job de embedding
type Job struct {
	RowID uint64
	Meta  types.EmbeddingMeta
}

// ProcessPendingJobs processa até limit jobs Pending elegíveis
// (next_retry_at_ms <= nowMS), em ordem de row id. limit <= 0
// processa todos. nowMS é injetado pelo chamador para que testes
// avancem o relógio deterministicamente.
//
// O embedder roda sob o lock do engine: o core é single-writer por
// contrato, e hosts que quiserem paralelismo invocam este método de
// um worker próprio.
func (e *Engine) ProcessPendingJobs(table string, limit int, nowMS int64) (JobCounters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var counters JobCounters
	t, err := e.table(table)
	if err != nil {
		return counters, err
	}
	if t.Embedding == nil {
		return counters, nil
	}

	if err := e.maybeAutoCheckpointLocked(); err != nil {
		return counters, err
	}

	// Seleção determinística: Pending elegíveis, row id crescente
	ids := make([]uint64, 0)
	for id, meta := range t.embeddingState {
		if meta.Status != types.StatusPending {
			continue
		}
		if meta.NextRetryAtMS != nil && *meta.NextRetryAtMS > nowMS {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	for _, id := range ids {
		meta := t.embeddingState[id]

		// 1. Linha via regra de visibilidade. Ausente ou tombstone:
		// o job é órfão e sai do estado (o checkpoint consolida).
		view, err := t.lookupRow(id)
		if err != nil {
			return counters, err
		}
		if !view.found || view.tombstone {
			delete(t.embeddingState, id)
			continue
		}

		// 2. Hash atual dos campos de origem (pode ter mudado desde
		// que o job foi enfileirado; seguimos com o novo)
		hash := contentHash(t.Embedding, view.payload)

		// Idempotência: Ready com o mesmo hash não reprocessa nem
		// avança attempts
		if meta.Status == types.StatusReady && meta.ContentHash == hash {
			continue
		}

		// 3. Embedder
		vector, embErr := e.opts.Embedder.Embed(sourceText(t.Embedding, view.payload))

		var newMeta *types.EmbeddingMeta
		if embErr == nil {
			// 4. Sucesso
			newMeta = &types.EmbeddingMeta{
				Status:      types.StatusReady,
				ContentHash: hash,
				Attempts:    meta.Attempts + 1,
				Vector:      vector,
			}
		} else {
			// 5. Falha: incrementa attempts; estoura em Failed, senão
			// agenda o retry com backoff exponencial
			attempts := meta.Attempts + 1
			jobErr := (&errors.EmbedderError{Err: embErr}).Error()
			if attempts >= e.opts.MaxAttempts {
				newMeta = &types.EmbeddingMeta{
					Status:      types.StatusFailed,
					ContentHash: hash,
					Attempts:    attempts,
					LastError:   jobErr,
				}
			} else {
				next := nowMS + e.backoffMS(attempts)
				newMeta = &types.EmbeddingMeta{
					Status:        types.StatusPending,
					ContentHash:   hash,
					Attempts:      attempts,
					NextRetryAtMS: &next,
					LastError:     jobErr,
				}
			}
		}

		rec := &wal.Record{Type: wal.RecordUpsertEmbeddingMeta, Table: table, RowID: id, Meta: newMeta}
		if err := e.wal.Append(rec, true); err != nil {
			return counters, err
		}
		t.embeddingState[id] = newMeta

		switch {
		case embErr == nil:
			counters.Processed++
		case newMeta.Status == types.StatusFailed:
			counters.Failed++
			e.log.Warn().Str("table", table).Uint64("row_id", id).
				Int("attempts", newMeta.Attempts).Msg("embedding job failed permanently")
		default:
			counters.Retried++
		}
	}

	return counters, nil
}

// backoffMS calcula base * 2^(attempts-1) limitado por RetryMaxMS
func (e *Engine) backoffMS(attempts int) int64 {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	// Evita overflow do shift antes do cap
	if shift > 30 {
		return e.opts.RetryMaxMS
	}
	backoff := e.opts.RetryBaseMS << uint(shift)
	if backoff > e.opts.RetryMaxMS || backoff <= 0 {
		return e.opts.RetryMaxMS
	}
	return backoff
}

// RetryFailedJobs volta jobs Failed para Pending. rowID nil atinge
// todos os Failed da tabela. attempts zera por padrão;
// Options.RetryKeepsAttempts preserva o contador.
func (e *Engine) RetryFailedJobs(table string, rowID *uint64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(table)
	if err != nil {
		return 0, err
	}

	if err := e.maybeAutoCheckpointLocked(); err != nil {
		return 0, err
	}

	ids := make([]uint64, 0)
	if rowID != nil {
		meta, ok := t.embeddingState[*rowID]
		if !ok {
			return 0, &errors.RowNotFoundError{Table: table, RowID: *rowID}
		}
		if meta.Status == types.StatusFailed {
			ids = append(ids, *rowID)
		}
	} else {
		for id, meta := range t.embeddingState {
			if meta.Status == types.StatusFailed {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	count := 0
	for _, id := range ids {
		meta := t.embeddingState[id]
		attempts := 0
		if e.opts.RetryKeepsAttempts {
			attempts = meta.Attempts
		}
		newMeta := &types.EmbeddingMeta{
			Status:      types.StatusPending,
			ContentHash: meta.ContentHash,
			Attempts:    attempts,
		}
		rec := &wal.Record{Type: wal.RecordUpsertEmbeddingMeta, Table: table, RowID: id, Meta: newMeta}
		if err := e.wal.Append(rec, true); err != nil {
			return count, err
		}
		t.embeddingState[id] = newMeta
		count++
	}
	return count, nil
}

// ListEmbeddingJobs devolve os jobs ordenados por row id, para saída
// determinística de operador
func (e *Engine) ListEmbeddingJobs(table string) ([]Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(table)
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(t.embeddingState))
	for id := range t.embeddingState {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, Job{RowID: id, Meta: *t.embeddingState[id].Clone()})
	}
	return jobs, nil
}
