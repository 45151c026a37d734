package storage

import (
	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/sstable"
	"github.com/bobboyms/embeddb/pkg/wal"
)

// recover reconstrói o estado em memória a partir dos registros do
// WAL já reproduzidos. Ordem de reconstrução:
//
//  1. CreateTable instancia as tabelas.
//  2. SSTs de cada tabela são abertos e o estado de embedding
//     persistido neles vira a base (mais velho → mais novo).
//  3. Os demais registros do WAL aplicam por cima, em ordem de
//     escrita — o último meta de cada linha vence, que é exatamente
//     o estado mais recente.
//
// Deve rodar antes de qualquer operação concorrente (startup).
func (e *Engine) recover(records []*wal.Record) error {
	// 1. Tabelas primeiro
	for _, rec := range records {
		if rec.Type != wal.RecordCreateTable {
			continue
		}
		if rec.Schema == nil {
			return &errors.CorruptionError{Path: e.opts.DirPath, Detail: "CreateTable record without schema"}
		}
		if _, exists := e.tables[rec.Table]; exists {
			return &errors.CorruptionError{Path: e.opts.DirPath, Detail: "duplicate CreateTable for " + rec.Table}
		}
		e.tables[rec.Table] = newTable(e.opts.DirPath, rec.Table, rec.Schema, rec.Embedding)
	}

	// 2. SSTs + estado de embedding base
	for _, t := range e.tables {
		maxRowID, err := t.openSSTs()
		if err != nil {
			return err
		}
		e.rowIDs.Observe(maxRowID)

		// Mais velho primeiro, para o mais novo sobrescrever
		for i := len(t.ssts) - 1; i >= 0; i-- {
			err := t.ssts[i].Scan(func(entry *sstable.Entry) error {
				if entry.Kind == sstable.KindTombstone {
					delete(t.embeddingState, entry.RowID)
					return nil
				}
				if entry.Meta != nil {
					t.embeddingState[entry.RowID] = entry.Meta.Clone()
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}

	// 3. Delta do WAL em ordem de escrita
	applied := 0
	for _, rec := range records {
		switch rec.Type {
		case wal.RecordCreateTable:
			continue

		case wal.RecordPutRow:
			t, err := e.table(rec.Table)
			if err != nil {
				return &errors.CorruptionError{Path: e.opts.DirPath, Detail: "PutRow for unknown table " + rec.Table}
			}
			payload, err := decodeRow(t.Schema, rec.Payload)
			if err != nil {
				return &errors.CorruptionError{Path: e.opts.DirPath, Detail: err.Error()}
			}
			t.mem.PutRow(rec.RowID, payload)
			e.rowIDs.Observe(rec.RowID)

		case wal.RecordDeleteRow:
			t, err := e.table(rec.Table)
			if err != nil {
				return &errors.CorruptionError{Path: e.opts.DirPath, Detail: "DeleteRow for unknown table " + rec.Table}
			}
			t.mem.PutTombstone(rec.RowID)
			delete(t.embeddingState, rec.RowID)

		case wal.RecordUpsertEmbeddingMeta:
			t, err := e.table(rec.Table)
			if err != nil {
				return &errors.CorruptionError{Path: e.opts.DirPath, Detail: "UpsertEmbeddingMeta for unknown table " + rec.Table}
			}
			if rec.Meta != nil {
				t.embeddingState[rec.RowID] = rec.Meta.Clone()
			}

		case wal.RecordSetNextRowID:
			// Nunca regride abaixo de um row id já observado
			if rec.NextRowID > e.rowIDs.Current() {
				e.rowIDs.Set(rec.NextRowID)
			}

		default:
			return &errors.CorruptionError{Path: e.opts.DirPath, Detail: "unknown wal record type"}
		}
		applied++
	}

	e.log.Debug().Int("applied", applied).Msg("wal replay applied")
	return nil
}
