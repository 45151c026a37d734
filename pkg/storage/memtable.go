package storage

import (
	"sort"

	"github.com/bobboyms/embeddb/pkg/sstable"
)

// memEntry é o estado em memória de um row id: linha viva ou tombstone
type memEntry struct {
	kind    sstable.EntryKind
	payload map[string]any // presente só em KindRow
}

// Memtable mapeia row id para LiveRow | Tombstone até o flush.
// Sem índices secundários; sem escritores concorrentes dentro de um
// engine (o lock exclusivo do engine serializa tudo).
type Memtable struct {
	entries     map[uint64]*memEntry
	approxBytes int64
}

func NewMemtable() *Memtable {
	return &Memtable{entries: make(map[uint64]*memEntry)}
}

func (m *Memtable) Get(rowID uint64) (*memEntry, bool) {
	e, ok := m.entries[rowID]
	return e, ok
}

// PutRow registra/substitui a linha viva
func (m *Memtable) PutRow(rowID uint64, payload map[string]any) {
	m.discount(rowID)
	e := &memEntry{kind: sstable.KindRow, payload: payload}
	m.entries[rowID] = e
	m.approxBytes += approxEntryBytes(e)
}

// PutTombstone registra a deleção lógica
func (m *Memtable) PutTombstone(rowID uint64) {
	m.discount(rowID)
	e := &memEntry{kind: sstable.KindTombstone}
	m.entries[rowID] = e
	m.approxBytes += approxEntryBytes(e)
}

func (m *Memtable) discount(rowID uint64) {
	if old, ok := m.entries[rowID]; ok {
		m.approxBytes -= approxEntryBytes(old)
	}
}

// Len retorna o número de entradas (linhas + tombstones)
func (m *Memtable) Len() int { return len(m.entries) }

// ApproxBytes é uma estimativa grosseira do tamanho em memória
func (m *Memtable) ApproxBytes() int64 { return m.approxBytes }

// SortedIDs devolve os row ids em ordem crescente (para o flush)
func (m *Memtable) SortedIDs() []uint64 {
	ids := make([]uint64, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clear esvazia o memtable após o flush
func (m *Memtable) Clear() {
	m.entries = make(map[uint64]*memEntry)
	m.approxBytes = 0
}

func approxEntryBytes(e *memEntry) int64 {
	// 16 bytes de overhead por entrada + estimativa do payload
	size := int64(16)
	for k, v := range e.payload {
		size += int64(len(k)) + 8
		switch x := v.(type) {
		case string:
			size += int64(len(x))
		case []byte:
			size += int64(len(x))
		default:
			size += 8
		}
	}
	return size
}
