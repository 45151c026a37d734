package sstable

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/wal"
)

type indexEntry struct {
	rowID  uint64
	offset int64
}

// Reader abre um SST e mantém a tabela de offsets em memória.
// O arquivo é imutável; leituras posicionais são thread-safe via ReadAt.
type Reader struct {
	path      string
	file      *os.File
	count     uint32
	vectorDim uint32
	index     []indexEntry
}

// Open valida header e footer e carrega a tabela de offsets.
// Um arquivo com versão mais nova que a suportada falha alto aqui,
// nunca é parseado silenciosamente.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errors.IoError{Op: "open", Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errors.IoError{Op: "stat", Path: path, Err: err}
	}
	if info.Size() < headerSize+trailerSize {
		f.Close()
		return nil, &errors.CorruptionError{Path: path, Detail: "file too small for sstable"}
	}

	var header [headerSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		f.Close()
		return nil, &errors.IoError{Op: "read", Path: path, Err: err}
	}
	if binary.LittleEndian.Uint32(header[0:4]) != Magic {
		f.Close()
		return nil, &errors.CorruptionError{Path: path, Detail: "bad sstable magic"}
	}
	if v := header[4]; v != Version {
		f.Close()
		return nil, &errors.CorruptionError{Path: path, Detail: fmt.Sprintf("unsupported sstable version %d", v)}
	}
	if got := binary.LittleEndian.Uint32(header[16:20]); !wal.ValidateCRC32(header[:16], got) {
		f.Close()
		return nil, &errors.CorruptionError{Path: path, Detail: "sstable header crc mismatch"}
	}

	var trailer [trailerSize]byte
	if _, err := f.ReadAt(trailer[:], info.Size()-trailerSize); err != nil {
		f.Close()
		return nil, &errors.IoError{Op: "read", Path: path, Err: err}
	}
	if binary.LittleEndian.Uint32(trailer[8:12]) != Magic {
		f.Close()
		return nil, &errors.CorruptionError{Path: path, Detail: "bad sstable trailer magic"}
	}

	footerLen := int64(binary.LittleEndian.Uint32(trailer[0:4]))
	footerCRC := binary.LittleEndian.Uint32(trailer[4:8])
	footerOff := info.Size() - trailerSize - footerLen
	if footerLen < 4 || footerOff < headerSize {
		f.Close()
		return nil, &errors.CorruptionError{Path: path, Detail: "sstable footer out of bounds"}
	}

	footer := make([]byte, footerLen)
	if _, err := f.ReadAt(footer, footerOff); err != nil {
		f.Close()
		return nil, &errors.IoError{Op: "read", Path: path, Err: err}
	}
	if !wal.ValidateCRC32(footer, footerCRC) {
		f.Close()
		return nil, &errors.CorruptionError{Path: path, Detail: "sstable footer crc mismatch"}
	}

	count := binary.LittleEndian.Uint32(header[8:12])
	if binary.LittleEndian.Uint32(footer[0:4]) != count {
		f.Close()
		return nil, &errors.CorruptionError{Path: path, Detail: "header/footer entry count mismatch"}
	}
	if footerLen != int64(4+int(count)*indexEntrySize) {
		f.Close()
		return nil, &errors.CorruptionError{Path: path, Detail: "sstable footer size mismatch"}
	}

	index := make([]indexEntry, count)
	for i := uint32(0); i < count; i++ {
		base := 4 + int(i)*indexEntrySize
		index[i] = indexEntry{
			rowID:  binary.LittleEndian.Uint64(footer[base : base+8]),
			offset: int64(binary.LittleEndian.Uint64(footer[base+8 : base+16])),
		}
	}

	return &Reader{
		path:      path,
		file:      f,
		count:     count,
		vectorDim: binary.LittleEndian.Uint32(header[12:16]),
		index:     index,
	}, nil
}

// Find faz binary search na tabela de offsets.
// Retorna (nil, false, nil) quando o row id não está neste SST.
func (r *Reader) Find(rowID uint64) (*Entry, bool, error) {
	i := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].rowID >= rowID
	})
	if i >= len(r.index) || r.index[i].rowID != rowID {
		return nil, false, nil
	}
	entry, err := r.readEntryAt(r.index[i].offset)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Scan visita todas as entradas em ordem de row id
func (r *Reader) Scan(fn func(*Entry) error) error {
	for _, ie := range r.index {
		entry, err := r.readEntryAt(ie.offset)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) readEntryAt(offset int64) (*Entry, error) {
	var lenBuf [4]byte
	if _, err := r.file.ReadAt(lenBuf[:], offset); err != nil {
		return nil, &errors.IoError{Op: "read", Path: r.path, Err: err}
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen > wal.MaxPayloadLen {
		return nil, &errors.CorruptionError{Path: r.path, Detail: "sstable entry length out of range"}
	}

	buf := make([]byte, payloadLen+4)
	if _, err := r.file.ReadAt(buf, offset+4); err != nil {
		return nil, &errors.IoError{Op: "read", Path: r.path, Err: err}
	}
	payload := buf[:payloadLen]
	storedCRC := binary.BigEndian.Uint32(buf[payloadLen:])
	if !wal.ValidateCRC32(payload, storedCRC) {
		return nil, &errors.CorruptionError{Path: r.path, Detail: "sstable entry crc mismatch"}
	}

	entry := &Entry{}
	if err := bson.Unmarshal(payload, entry); err != nil {
		return nil, &errors.CorruptionError{Path: r.path, Detail: fmt.Sprintf("decode sstable entry: %v", err)}
	}
	return entry, nil
}

// Count retorna o número de entradas do arquivo
func (r *Reader) Count() int { return int(r.count) }

// MaxRowID retorna o maior row id do arquivo (0 se vazio)
func (r *Reader) MaxRowID() uint64 {
	if len(r.index) == 0 {
		return 0
	}
	return r.index[len(r.index)-1].rowID
}

// VectorDim retorna a dimensionalidade dos vetores (0 se não houver)
func (r *Reader) VectorDim() int { return int(r.vectorDim) }

func (r *Reader) Path() string { return r.path }

func (r *Reader) Close() error {
	return r.file.Close()
}
