// Package sstable implementa os arquivos de tabela imutáveis e
// ordenados por row id que o engine produz ao fazer flush do memtable.
//
// Layout do arquivo:
//
//	header  [magic u32][version u8][reserved u8+u16][count u32][vector_dim u32][crc u32]
//	entries sequência em row_id crescente, cada uma self-framed:
//	        [len u32 BE][payload BSON][crc32 u32 BE]
//	footer  tabela de offsets (row_id → offset) para lookup binário
//	trailer [footer_len u32][footer_crc u32][magic u32]
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/types"
	"github.com/bobboyms/embeddb/pkg/wal"
)

const (
	Magic   = uint32(0x45444253) // "EDBS"
	Version = uint8(1)

	// FileSuffix é a extensão dos arquivos SST
	FileSuffix = ".sst"

	tmpSuffix = ".tmp"

	headerSize  = 20
	trailerSize = 12

	indexEntrySize = 16 // row_id u64 + offset u64
)

// EntryKind distingue linha viva de tombstone
type EntryKind uint8

const (
	KindRow EntryKind = iota + 1
	KindTombstone
)

// Entry é uma linha (ou tombstone) persistida no SST.
// Payload só existe em KindRow; Meta acompanha a linha quando a
// tabela tem embedding spec.
type Entry struct {
	RowID   uint64               `bson:"row_id"`
	Kind    EntryKind            `bson:"kind"`
	Payload bson.Raw             `bson:"payload,omitempty"`
	Meta    *types.EmbeddingMeta `bson:"meta,omitempty"`
}

// WriteFile consome as entradas (já ordenadas por row id) e produz um
// arquivo completo e durável: escreve em .tmp, fsync, rename, fsync
// do diretório. Um crash no meio deixa no máximo um .tmp órfão.
func WriteFile(path string, entries []Entry) error {
	var vectorDim uint32
	var lastID uint64
	for i, e := range entries {
		if i > 0 && e.RowID <= lastID {
			return &errors.InvalidArgumentError{
				Reason: fmt.Sprintf("sstable entries must be strictly increasing by row id (%d after %d)", e.RowID, lastID),
			}
		}
		lastID = e.RowID
		if e.Meta != nil && len(e.Meta.Vector) > 0 {
			dim := uint32(len(e.Meta.Vector))
			if vectorDim == 0 {
				vectorDim = dim
			} else if vectorDim != dim {
				return &errors.InvalidArgumentError{
					Reason: fmt.Sprintf("inconsistent vector dim in sstable: %d vs %d", vectorDim, dim),
				}
			}
		}
	}

	tmpPath := path + tmpSuffix
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return &errors.IoError{Op: "create", Path: tmpPath, Err: err}
	}
	bw := bufio.NewWriterSize(f, 64*1024)

	header := encodeHeader(uint32(len(entries)), vectorDim)
	if _, err := bw.Write(header[:]); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &errors.IoError{Op: "write", Path: tmpPath, Err: err}
	}

	// Entradas + tabela de offsets
	index := make([]byte, 0, 4+len(entries)*indexEntrySize)
	index = binary.LittleEndian.AppendUint32(index, uint32(len(entries)))
	offset := int64(headerSize)
	for i := range entries {
		payload, err := bson.Marshal(&entries[i])
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("encode sstable entry %d: %w", entries[i].RowID, err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], wal.CalculateCRC32(payload))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return &errors.IoError{Op: "write", Path: tmpPath, Err: err}
		}
		if _, err := bw.Write(payload); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return &errors.IoError{Op: "write", Path: tmpPath, Err: err}
		}
		if _, err := bw.Write(crcBuf[:]); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return &errors.IoError{Op: "write", Path: tmpPath, Err: err}
		}

		index = binary.LittleEndian.AppendUint64(index, entries[i].RowID)
		index = binary.LittleEndian.AppendUint64(index, uint64(offset))
		offset += int64(4 + len(payload) + 4)
	}

	if _, err := bw.Write(index); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &errors.IoError{Op: "write", Path: tmpPath, Err: err}
	}

	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(len(index)))
	binary.LittleEndian.PutUint32(trailer[4:8], wal.CalculateCRC32(index))
	binary.LittleEndian.PutUint32(trailer[8:12], Magic)
	if _, err := bw.Write(trailer[:]); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &errors.IoError{Op: "write", Path: tmpPath, Err: err}
	}

	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &errors.IoError{Op: "flush", Path: tmpPath, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &errors.IoError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := f.Close(); err != nil {
		return &errors.IoError{Op: "close", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return &errors.IoError{Op: "rename", Path: tmpPath, Err: err}
	}
	return fsyncDir(filepath.Dir(path))
}

func encodeHeader(count, vectorDim uint32) [headerSize]byte {
	var h [headerSize]byte
	binary.LittleEndian.PutUint32(h[0:4], Magic)
	h[4] = Version
	// h[5:8] reservado
	binary.LittleEndian.PutUint32(h[8:12], count)
	binary.LittleEndian.PutUint32(h[12:16], vectorDim)
	binary.LittleEndian.PutUint32(h[16:20], wal.CalculateCRC32(h[:16]))
	return h
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return &errors.IoError{Op: "open", Path: dir, Err: err}
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return &errors.IoError{Op: "fsync", Path: dir, Err: err}
	}
	return nil
}

// RemoveOrphans apaga arquivos .sst.tmp deixados por um flush
// interrompido. Chamado no open do engine; arquivos .tmp nunca foram
// renomeados e portanto nunca são autoritativos.
func RemoveOrphans(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+FileSuffix+tmpSuffix))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return &errors.IoError{Op: "remove", Path: m, Err: err}
		}
	}
	return nil
}
