package wal

import (
	"bufio"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/bobboyms/embeddb/pkg/errors"
)

const defaultBufferSize = 64 * 1024 // 64KB bufio buffer

// Writer gerencia a escrita no log.
// Single writer: todas as mutações do engine passam por aqui, então o
// mutex existe só para proteger Close/Rewrite concorrentes de hosts
// desatentos.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	bw   *bufio.Writer
	size int64

	// Contadores distinguem appends de syncs
	appends uint64
	syncs   uint64
}

// OpenWriter abre (ou cria) o log em modo append
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, &errors.IoError{Op: "open", Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errors.IoError{Op: "stat", Path: path, Err: err}
	}

	return &Writer{
		path: path,
		file: f,
		bw:   bufio.NewWriterSize(f, defaultBufferSize),
		size: info.Size(),
	}, nil
}

// Append escreve um registro framed. Com durable=true faz flush +
// fsync do arquivo e do diretório antes de retornar; todo caminho de
// mutação do engine pede durabilidade.
// Em erro de I/O a mutação correspondente NÃO deve ser aplicada em
// memória pelo chamador.
func (w *Writer) Append(rec *Record, durable bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	bufPtr := AcquireBuffer()
	defer ReleaseBuffer(bufPtr)
	frame := *bufPtr
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint32(frame, CalculateCRC32(payload))
	*bufPtr = frame

	if _, err := w.bw.Write(frame); err != nil {
		return &errors.IoError{Op: "append", Path: w.path, Err: err}
	}
	w.size += int64(len(frame))
	w.appends++

	if durable {
		return w.syncLocked()
	}
	return nil
}

// Sync força a persistência em disco (flush + fsync de arquivo e diretório)
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.bw.Flush(); err != nil {
		return &errors.IoError{Op: "flush", Path: w.path, Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &errors.IoError{Op: "fsync", Path: w.path, Err: err}
	}
	if err := fsyncDir(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.syncs++
	return nil
}

// Rewrite substitui o log inteiro por records, de forma atômica e
// recuperável: escreve wal.log.new, fsync, renomeia wal.log → wal.prev,
// renomeia wal.log.new → wal.log, fsync do diretório, remove wal.prev.
// Um crash em qualquer ponto deixa wal.prev (antigo, completo) e/ou
// wal.log recuperáveis por ResolveForOpen.
func (w *Writer) Rewrite(records []*Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(w.path)
	newPath := w.path + newFileSuffix
	prevPath := filepath.Join(dir, PrevFileName)

	nf, err := os.OpenFile(newPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return &errors.IoError{Op: "create", Path: newPath, Err: err}
	}
	nbw := bufio.NewWriterSize(nf, defaultBufferSize)
	var newSize int64
	for _, rec := range records {
		payload, err := EncodeRecord(rec)
		if err != nil {
			nf.Close()
			os.Remove(newPath)
			return err
		}
		var lenBuf [frameLenSize]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		var crcBuf [frameCRCSize]byte
		binary.BigEndian.PutUint32(crcBuf[:], CalculateCRC32(payload))
		if _, err := nbw.Write(lenBuf[:]); err != nil {
			nf.Close()
			os.Remove(newPath)
			return &errors.IoError{Op: "write", Path: newPath, Err: err}
		}
		if _, err := nbw.Write(payload); err != nil {
			nf.Close()
			os.Remove(newPath)
			return &errors.IoError{Op: "write", Path: newPath, Err: err}
		}
		if _, err := nbw.Write(crcBuf[:]); err != nil {
			nf.Close()
			os.Remove(newPath)
			return &errors.IoError{Op: "write", Path: newPath, Err: err}
		}
		newSize += int64(frameLenSize + len(payload) + frameCRCSize)
	}
	if err := nbw.Flush(); err != nil {
		nf.Close()
		os.Remove(newPath)
		return &errors.IoError{Op: "flush", Path: newPath, Err: err}
	}
	if err := nf.Sync(); err != nil {
		nf.Close()
		os.Remove(newPath)
		return &errors.IoError{Op: "fsync", Path: newPath, Err: err}
	}
	if err := nf.Close(); err != nil {
		return &errors.IoError{Op: "close", Path: newPath, Err: err}
	}

	// Fecha o handle antigo antes da rotação
	w.bw.Flush()
	if err := w.file.Close(); err != nil {
		return &errors.IoError{Op: "close", Path: w.path, Err: err}
	}

	if err := os.Rename(w.path, prevPath); err != nil {
		return &errors.IoError{Op: "rename", Path: w.path, Err: err}
	}
	if err := os.Rename(newPath, w.path); err != nil {
		return &errors.IoError{Op: "rename", Path: newPath, Err: err}
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	if err := os.Remove(prevPath); err != nil && !os.IsNotExist(err) {
		return &errors.IoError{Op: "remove", Path: prevPath, Err: err}
	}

	// Reabre em modo append
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return &errors.IoError{Op: "open", Path: w.path, Err: err}
	}
	w.file = f
	w.bw = bufio.NewWriterSize(f, defaultBufferSize)
	w.size = newSize
	w.appends += uint64(len(records))
	w.syncs++
	return nil
}

// Size retorna o tamanho lógico atual do log em bytes
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Stats retorna os contadores de appends e syncs
func (w *Writer) Stats() (appends, syncs uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appends, w.syncs
}

func (w *Writer) Path() string { return w.path }

// Close faz o flush final e fecha o arquivo
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.syncLocked()
	if cErr := w.file.Close(); err == nil && cErr != nil {
		err = &errors.IoError{Op: "close", Path: w.path, Err: cErr}
	}
	w.file = nil
	return err
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
