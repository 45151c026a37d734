package storage

import (
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/bobboyms/embeddb/pkg/types"
	"github.com/bobboyms/embeddb/pkg/wal"
)

// Checkpoint faz flush de todos os memtables e reescreve o WAL com a
// imagem mínima: CreateTable por tabela, SetNextRowId, e
// UpsertEmbeddingMeta para cada linha cujo estado de embedding não
// está implicado por um meta gravado em SST (estado de job em voo e
// vetores Ready que só existiam no WAL).
//
// A rotação do WAL é atomicamente recuperável: um crash no meio deixa
// wal.prev e os SSTs novos no lugar — SSTs são imutáveis e aditivos,
// então reabrir recupera o estado lógico pré-checkpoint sem perda.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointLocked()
}

func (e *Engine) checkpointLocked() error {
	// 1. Flush de todos os memtables, um goroutine por tabela.
	// Cada flush só toca o estado da própria tabela; o lock do engine
	// continua segurado pelo chamador.
	g := new(errgroup.Group)
	for _, t := range e.tables {
		g.Go(t.flush)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// 2. Imagem mínima, em ordem determinística de nome de tabela
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	image := make([]*wal.Record, 0, len(names)+1)
	for _, name := range names {
		t := e.tables[name]
		image = append(image, &wal.Record{
			Type:      wal.RecordCreateTable,
			Table:     name,
			Schema:    t.Schema,
			Embedding: t.Embedding,
		})
	}
	image = append(image, &wal.Record{Type: wal.RecordSetNextRowID, NextRowID: e.rowIDs.Current()})

	for _, name := range names {
		t := e.tables[name]
		ids := make([]uint64, 0, len(t.embeddingState))
		for id := range t.embeddingState {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			meta := t.embeddingState[id]
			// Memtable está vazio pós-flush: a visibilidade resolve
			// direto no SST. Meta igual ao persistido = implicado.
			view, err := t.lookupRow(id)
			if err != nil {
				return err
			}
			if view.found && !view.tombstone && metaEqual(view.sstMeta, meta) {
				continue
			}
			image = append(image, &wal.Record{
				Type:  wal.RecordUpsertEmbeddingMeta,
				Table: name,
				RowID: id,
				Meta:  meta.Clone(),
			})
		}
	}

	// 3. Rotação
	if err := e.wal.Rewrite(image); err != nil {
		return err
	}

	e.log.Info().
		Int("image_records", len(image)).
		Int64("wal_bytes", e.wal.Size()).
		Msg("checkpoint complete")
	return nil
}

func metaEqual(a, b *types.EmbeddingMeta) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Status != b.Status || a.ContentHash != b.ContentHash ||
		a.Attempts != b.Attempts || a.LastError != b.LastError {
		return false
	}
	if (a.NextRetryAtMS == nil) != (b.NextRetryAtMS == nil) {
		return false
	}
	if a.NextRetryAtMS != nil && *a.NextRetryAtMS != *b.NextRetryAtMS {
		return false
	}
	if len(a.Vector) != len(b.Vector) {
		return false
	}
	for i := range a.Vector {
		if a.Vector[i] != b.Vector[i] {
			return false
		}
	}
	return true
}
