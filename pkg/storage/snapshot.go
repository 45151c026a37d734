package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bobboyms/embeddb/pkg/errors"
)

// SnapshotExport roda um checkpoint e copia o diretório de dados
// inteiro (menos o lock file) para dest. A cópia vai para um staging
// temporário e só vira dest por rename, então um export interrompido
// nunca deixa um snapshot parcial com o nome final.
func (e *Engine) SnapshotExport(dest string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if dest == "" {
		return &errors.InvalidArgumentError{Reason: "snapshot destination is required"}
	}
	if _, err := os.Stat(dest); err == nil {
		return &errors.InvalidArgumentError{Reason: "snapshot destination already exists: " + dest}
	}

	if err := e.checkpointLocked(); err != nil {
		return err
	}

	staging := dest + ".tmp-" + uuid.NewString()[:8]
	if err := copyTree(e.opts.DirPath, staging, map[string]bool{LockFileName: true}); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return &errors.IoError{Op: "rename", Path: staging, Err: err}
	}
	return nil
}

// SnapshotRestore copia um snapshot exportado para um diretório de
// dados novo. Recusa destino não-vazio. Abrir dest depois rende um
// banco logicamente idêntico ao exportado.
func SnapshotRestore(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return &errors.IoError{Op: "stat", Path: src, Err: err}
	}
	if !info.IsDir() {
		return &errors.InvalidArgumentError{Reason: "snapshot source is not a directory: " + src}
	}

	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return &errors.InvalidArgumentError{Reason: "restore destination is not empty: " + dest}
	}

	return copyTree(src, dest, map[string]bool{LockFileName: true})
}

// copyTree copia src para dst recursivamente, pulando os nomes
// top-level em skip
func copyTree(src, dst string, skip map[string]bool) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return &errors.IoError{Op: "walk", Path: path, Err: err}
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return &errors.IoError{Op: "rel", Path: path, Err: err}
		}
		if rel != "." && skip[firstPathElement(rel)] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return &errors.IoError{Op: "mkdir", Path: target, Err: err}
			}
			return nil
		}
		return copyFile(path, target)
	})
}

func firstPathElement(rel string) string {
	for i := 0; i < len(rel); i++ {
		if os.IsPathSeparator(rel[i]) {
			return rel[:i]
		}
	}
	return rel
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &errors.IoError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return &errors.IoError{Op: "create", Path: dst, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return &errors.IoError{Op: "copy", Path: dst, Err: err}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return &errors.IoError{Op: "fsync", Path: dst, Err: err}
	}
	return out.Close()
}
