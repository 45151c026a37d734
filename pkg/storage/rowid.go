package storage

import (
	"sync/atomic"
)

// RowIDAllocator gerencia o next_row_id de forma thread-safe.
// A alocação é por database, nunca por tabela, para simplificar o
// replay do WAL.
type RowIDAllocator struct {
	next uint64
}

func NewRowIDAllocator(start uint64) *RowIDAllocator {
	if start == 0 {
		start = 1
	}
	return &RowIDAllocator{next: start}
}

// Current retorna o próximo id que seria alocado
func (a *RowIDAllocator) Current() uint64 {
	return atomic.LoadUint64(&a.next)
}

// Set define o contador (usado no recovery e no checkpoint)
func (a *RowIDAllocator) Set(val uint64) {
	if val == 0 {
		val = 1
	}
	atomic.StoreUint64(&a.next, val)
}

// Observe garante next > rowID (replay de PutRow sem SetNextRowId)
func (a *RowIDAllocator) Observe(rowID uint64) {
	for {
		cur := atomic.LoadUint64(&a.next)
		if cur > rowID {
			return
		}
		if atomic.CompareAndSwapUint64(&a.next, cur, rowID+1) {
			return
		}
	}
}
