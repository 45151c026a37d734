package wal

import (
	"encoding/binary"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"

	"github.com/bobboyms/embeddb/pkg/errors"
)

// ErrTruncated sinaliza um frame parcial no fim do log (crash durante
// append). O replay descarta a cauda e segue; não é corrupção.
var ErrTruncated = stderrors.New("wal: truncated frame at tail")

// Reader lê registros do log sequencialmente
type Reader struct {
	file   *os.File
	path   string
	size   int64
	offset int64
}

// OpenReader cria um leitor para um arquivo de log existente
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errors.IoError{Op: "stat", Path: path, Err: err}
	}
	return &Reader{file: f, path: path, size: info.Size()}, nil
}

// ReadRecord lê o próximo registro.
// Retorna io.EOF no fim limpo, ErrTruncated em cauda parcial e
// *errors.CorruptionError em CRC inválido no meio do stream.
func (r *Reader) ReadRecord() (*Record, error) {
	var lenBuf [frameLenSize]byte
	n, err := io.ReadFull(r.file, lenBuf[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err == io.ErrUnexpectedEOF || n < frameLenSize {
		return nil, ErrTruncated
	}
	if err != nil {
		return nil, &errors.IoError{Op: "read", Path: r.path, Err: err}
	}

	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	remaining := r.size - r.offset - frameLenSize
	if int64(payloadLen)+frameCRCSize > remaining {
		// Frame anunciado maior que o arquivo: cauda truncada
		return nil, ErrTruncated
	}
	if payloadLen > MaxPayloadLen {
		return nil, &errors.CorruptionError{Path: r.path, Detail: "frame length out of range"}
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, &errors.IoError{Op: "read", Path: r.path, Err: err}
	}

	var crcBuf [frameCRCSize]byte
	if _, err := io.ReadFull(r.file, crcBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, &errors.IoError{Op: "read", Path: r.path, Err: err}
	}

	frameEnd := r.offset + frameLenSize + int64(payloadLen) + frameCRCSize
	if !ValidateCRC32(payload, binary.BigEndian.Uint32(crcBuf[:])) {
		if frameEnd == r.size {
			// CRC inválido no último frame: crash no meio do append
			return nil, ErrTruncated
		}
		return nil, &errors.CorruptionError{Path: r.path, Detail: "crc mismatch mid-stream"}
	}

	rec, err := DecodeRecord(payload)
	if err != nil {
		if frameEnd == r.size {
			return nil, ErrTruncated
		}
		return nil, &errors.CorruptionError{Path: r.path, Detail: err.Error()}
	}

	r.offset = frameEnd
	return rec, nil
}

// Close fecha o arquivo
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay lê todos os registros em ordem de escrita.
// clean=false indica que uma cauda truncada foi descartada; o erro só
// é não-nil para corrupção no meio do stream ou falha de I/O.
// Arquivo inexistente conta como log vazio e limpo.
func Replay(path string) (records []*Record, clean bool, err error) {
	r, err := OpenReader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true, nil
		}
		return nil, false, &errors.IoError{Op: "open", Path: path, Err: err}
	}
	defer r.Close()

	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			return records, true, nil
		}
		if err == ErrTruncated {
			return records, false, nil
		}
		if err != nil {
			return records, false, err
		}
		records = append(records, rec)
	}
}

// RepairTail descarta a cauda truncada deixada por um crash durante
// append: o arquivo é truncado no fim do último frame válido, para o
// próximo append continuar uma cadeia de CRC limpa. No-op em log
// limpo ou ausente.
func RepairTail(path string) error {
	r, err := OpenReader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &errors.IoError{Op: "open", Path: path, Err: err}
	}

	truncated := false
	for {
		_, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err == ErrTruncated {
			truncated = true
			break
		}
		if err != nil {
			r.Close()
			return err
		}
	}
	valid := r.offset
	r.Close()

	if !truncated {
		return nil
	}
	if err := os.Truncate(path, valid); err != nil {
		return &errors.IoError{Op: "truncate", Path: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return &errors.IoError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return &errors.IoError{Op: "fsync", Path: path, Err: err}
	}
	return fsyncDir(filepath.Dir(path))
}

// ResolveForOpen decide qual arquivo de log é autoritativo após um
// possível crash de rotação e devolve o seu caminho (sempre
// dir/wal.log ao final). Um wal.log.new órfão nunca é autoritativo e
// é removido. wal.prev só substitui wal.log quando wal.log está
// ausente ou com a cadeia de CRC quebrada; a remoção de wal.prev no
// caso "wal.log intacto" fica para depois do replay bem sucedido.
func ResolveForOpen(dir string) (string, error) {
	logPath := filepath.Join(dir, LogFileName)
	prevPath := filepath.Join(dir, PrevFileName)

	if err := os.Remove(logPath + newFileSuffix); err != nil && !os.IsNotExist(err) {
		return "", &errors.IoError{Op: "remove", Path: logPath + newFileSuffix, Err: err}
	}

	prevExists := fileExists(prevPath)
	if !prevExists {
		return logPath, nil
	}

	logExists := fileExists(logPath)
	if logExists {
		_, clean, err := Replay(logPath)
		if err == nil && clean {
			// Rotação completou até o rename final; wal.log (novo) vence
			return logPath, nil
		}
	}

	// wal.log ausente ou suspeito: o wal.prev (antigo, completo) vence
	if err := os.Rename(prevPath, logPath); err != nil {
		return "", &errors.IoError{Op: "rename", Path: prevPath, Err: err}
	}
	if err := fsyncDir(dir); err != nil {
		return "", err
	}
	return logPath, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
