package storage

import (
	"fmt"
	"testing"

	"github.com/bobboyms/embeddb/pkg/embed"
	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/types"
)

// scriptedEmbedder falha as primeiras `failures` chamadas e depois
// devolve um vetor fixo
type scriptedEmbedder struct {
	dim      int
	failures int
	calls    int
}

func (s *scriptedEmbedder) Dim() int { return s.dim }

func (s *scriptedEmbedder) Embed(text string) ([]float64, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, fmt.Errorf("transient embedder outage %d", s.calls)
	}
	vec := make([]float64, s.dim)
	vec[0] = 1
	return vec, nil
}

// Cenário: processa pendentes após reopen
func TestProcessPendingAfterReopen(t *testing.T) {
	e, opts := newTestEngine(t)
	createNotes(t, e)
	e.InsertRow("notes", map[string]any{"title": "Hello", "body": "World"})
	e.Flush("notes")
	e.Close()

	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer e2.Close()

	counters, err := e2.ProcessPendingJobs("notes", 0, 0)
	if err != nil {
		t.Fatalf("ProcessPendingJobs failed: %v", err)
	}
	if counters.Processed != 1 || counters.Failed != 0 || counters.Retried != 0 {
		t.Errorf("Counters = %+v, want processed=1", counters)
	}

	jobs, _ := e2.ListEmbeddingJobs("notes")
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}
	meta := jobs[0].Meta
	if meta.Status != types.StatusReady {
		t.Errorf("Status = %v, want Ready", meta.Status)
	}
	if len(meta.Vector) != embed.DefaultDim {
		t.Errorf("Vector dim = %d, want %d", len(meta.Vector), embed.DefaultDim)
	}
	nonZero := false
	for _, v := range meta.Vector {
		if v != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Error("Ready vector must be non-zero")
	}
	if meta.Attempts != 1 || meta.NextRetryAtMS != nil || meta.LastError != "" {
		t.Errorf("Ready meta not clean: %+v", meta)
	}
}

// Cenário: backoff exponencial com embedder que falha 3 vezes
func TestRetryBackoff(t *testing.T) {
	se := &scriptedEmbedder{dim: 8, failures: 3}
	e, _ := newTestEngine(t, func(o *Options) {
		o.Embedder = se
		o.RetryBaseMS = 1000
		o.RetryMaxMS = 60000
	})
	createNotes(t, e)
	id, _ := e.InsertRow("notes", map[string]any{"title": "x", "body": "y"})

	jobAt := func(nowMS int64) (JobCounters, types.EmbeddingMeta) {
		t.Helper()
		c, err := e.ProcessPendingJobs("notes", 0, nowMS)
		if err != nil {
			t.Fatalf("ProcessPendingJobs(%d) failed: %v", nowMS, err)
		}
		jobs, _ := e.ListEmbeddingJobs("notes")
		return c, jobs[0].Meta
	}

	// t=0: tentativa 1 falha, retry em base*2^0 = 1000
	c, meta := jobAt(0)
	if c.Retried != 1 || meta.Attempts != 1 {
		t.Fatalf("t=0: %+v %+v", c, meta)
	}
	if meta.NextRetryAtMS == nil || *meta.NextRetryAtMS != 1000 {
		t.Fatalf("t=0: next retry = %v, want 1000", meta.NextRetryAtMS)
	}
	if meta.LastError == "" {
		t.Error("t=0: transient failure must record last_error")
	}

	// t=500: ainda não elegível
	c, meta = jobAt(500)
	if c.Retried != 0 || meta.Attempts != 1 {
		t.Fatalf("t=500: job ran early: %+v", c)
	}

	// t=1000: tentativa 2 falha, retry dobra para +2000
	c, meta = jobAt(1000)
	if c.Retried != 1 || meta.Attempts != 2 {
		t.Fatalf("t=1000: %+v %+v", c, meta)
	}
	if *meta.NextRetryAtMS != 3000 {
		t.Fatalf("t=1000: next retry = %d, want 3000", *meta.NextRetryAtMS)
	}

	// t=2000: nada
	c, _ = jobAt(2000)
	if c.Retried != 0 || c.Processed != 0 {
		t.Fatalf("t=2000: job ran early: %+v", c)
	}

	// t=3000: tentativa 3 falha, retry dobra para +4000
	c, meta = jobAt(3000)
	if c.Retried != 1 || meta.Attempts != 3 {
		t.Fatalf("t=3000: %+v %+v", c, meta)
	}
	if *meta.NextRetryAtMS != 7000 {
		t.Fatalf("t=3000: next retry = %d, want 7000", *meta.NextRetryAtMS)
	}

	// t=7000: tentativa 4 sucede
	c, meta = jobAt(7000)
	if c.Processed != 1 {
		t.Fatalf("t=7000: %+v", c)
	}
	if meta.Status != types.StatusReady || meta.Attempts != 4 {
		t.Errorf("Final meta: %+v", meta)
	}
	if meta.NextRetryAtMS != nil || meta.LastError != "" {
		t.Errorf("Success must clear retry state: %+v", meta)
	}
	_ = id
}

// Embedder que sempre falha: Failed exatamente em max_attempts
func TestEmbedderAlwaysFails(t *testing.T) {
	se := &scriptedEmbedder{dim: 8, failures: 1 << 30}
	e, _ := newTestEngine(t, func(o *Options) {
		o.Embedder = se
		o.MaxAttempts = 3
		o.RetryBaseMS = 10
		o.RetryMaxMS = 50
	})
	createNotes(t, e)
	e.InsertRow("notes", map[string]any{"title": "x", "body": "y"})

	now := int64(0)
	for i := 0; i < 10; i++ {
		if _, err := e.ProcessPendingJobs("notes", 0, now); err != nil {
			t.Fatalf("ProcessPendingJobs failed: %v", err)
		}
		now += 1000 // sempre além do backoff
	}

	jobs, _ := e.ListEmbeddingJobs("notes")
	meta := jobs[0].Meta
	if meta.Status != types.StatusFailed {
		t.Fatalf("Status = %v, want Failed", meta.Status)
	}
	if meta.Attempts != 3 {
		t.Errorf("Failed => attempts == max_attempts: got %d", meta.Attempts)
	}
	if meta.LastError == "" {
		t.Error("Failed job must carry last_error")
	}

	// Failed não é reprocessado
	c, _ := e.ProcessPendingJobs("notes", 0, now)
	if c.Processed+c.Failed+c.Retried != 0 {
		t.Errorf("Failed job was selected again: %+v", c)
	}
}

func TestRetryFailedJobsResets(t *testing.T) {
	se := &scriptedEmbedder{dim: 8, failures: 2}
	e, _ := newTestEngine(t, func(o *Options) {
		o.Embedder = se
		o.MaxAttempts = 2
		o.RetryBaseMS = 10
		o.RetryMaxMS = 50
	})
	createNotes(t, e)
	id, _ := e.InsertRow("notes", map[string]any{"title": "x", "body": "y"})

	e.ProcessPendingJobs("notes", 0, 0)
	e.ProcessPendingJobs("notes", 0, 1000)

	jobs, _ := e.ListEmbeddingJobs("notes")
	if jobs[0].Meta.Status != types.StatusFailed {
		t.Fatalf("Setup: job should be Failed: %+v", jobs[0].Meta)
	}

	n, err := e.RetryFailedJobs("notes", nil)
	if err != nil || n != 1 {
		t.Fatalf("RetryFailedJobs = %d, %v", n, err)
	}

	jobs, _ = e.ListEmbeddingJobs("notes")
	meta := jobs[0].Meta
	if meta.Status != types.StatusPending || meta.Attempts != 0 {
		t.Errorf("Retry must reset to Pending/0: %+v", meta)
	}
	if meta.NextRetryAtMS != nil || meta.LastError != "" {
		t.Errorf("Retry must clear error state: %+v", meta)
	}

	// Na retomada, o embedder (já além das falhas roteirizadas) sucede
	c, _ := e.ProcessPendingJobs("notes", 0, 2000)
	if c.Processed != 1 {
		t.Errorf("Revived job should process: %+v", c)
	}

	// Row id específico inexistente
	ghost := uint64(99)
	if _, err := e.RetryFailedJobs("notes", &ghost); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("Unknown row id: expected NotFound, got %v", err)
	}
	_ = id
}

func TestRetryKeepsAttemptsOption(t *testing.T) {
	se := &scriptedEmbedder{dim: 8, failures: 2}
	e, _ := newTestEngine(t, func(o *Options) {
		o.Embedder = se
		o.MaxAttempts = 2
		o.RetryBaseMS = 10
		o.RetryMaxMS = 50
		o.RetryKeepsAttempts = true
	})
	createNotes(t, e)
	e.InsertRow("notes", map[string]any{"title": "x", "body": "y"})

	e.ProcessPendingJobs("notes", 0, 0)
	e.ProcessPendingJobs("notes", 0, 1000)

	if n, _ := e.RetryFailedJobs("notes", nil); n != 1 {
		t.Fatal("Setup: retry should hit 1 job")
	}
	jobs, _ := e.ListEmbeddingJobs("notes")
	if jobs[0].Meta.Attempts != 2 {
		t.Errorf("RetryKeepsAttempts must preserve counter: %+v", jobs[0].Meta)
	}
}

func TestJobClearedForDeletedRow(t *testing.T) {
	e, _ := newTestEngine(t)
	createNotes(t, e)
	id, _ := e.InsertRow("notes", map[string]any{"title": "x", "body": "y"})
	id2, _ := e.InsertRow("notes", map[string]any{"title": "keep", "body": "me"})

	// Linha só em SST: flush, depois delete (tombstone no memtable)
	e.Flush("notes")
	e.DeleteRow("notes", id)

	c, err := e.ProcessPendingJobs("notes", 0, 0)
	if err != nil {
		t.Fatalf("ProcessPendingJobs failed: %v", err)
	}
	if c.Processed != 1 {
		t.Errorf("Only the surviving row should process: %+v", c)
	}

	jobs, _ := e.ListEmbeddingJobs("notes")
	if len(jobs) != 1 || jobs[0].RowID != id2 {
		t.Errorf("Job for deleted row must be cleared: %+v", jobs)
	}
}

func TestProcessPendingJobsLimit(t *testing.T) {
	e, _ := newTestEngine(t)
	createNotes(t, e)
	for i := 0; i < 5; i++ {
		e.InsertRow("notes", map[string]any{"title": fmt.Sprintf("t%d", i), "body": "b"})
	}

	c, err := e.ProcessPendingJobs("notes", 2, 0)
	if err != nil {
		t.Fatalf("ProcessPendingJobs failed: %v", err)
	}
	if c.Processed != 2 {
		t.Errorf("Limit not honored: %+v", c)
	}

	// Ordem determinística por row id: 1 e 2 primeiro
	jobs, _ := e.ListEmbeddingJobs("notes")
	if jobs[0].Meta.Status != types.StatusReady || jobs[1].Meta.Status != types.StatusReady {
		t.Error("Rows 1 and 2 should be processed first")
	}
	if jobs[2].Meta.Status != types.StatusPending {
		t.Error("Row 3 should still be pending")
	}
}

func TestIdempotentReprocessing(t *testing.T) {
	e, _ := newTestEngine(t)
	createNotes(t, e)
	e.InsertRow("notes", map[string]any{"title": "x", "body": "y"})

	e.ProcessPendingJobs("notes", 0, 0)
	jobs, _ := e.ListEmbeddingJobs("notes")
	attemptsBefore := jobs[0].Meta.Attempts

	// Ready com o mesmo hash: no-op, attempts não avança
	c, _ := e.ProcessPendingJobs("notes", 0, 0)
	if c.Processed != 0 {
		t.Errorf("Ready job reprocessed: %+v", c)
	}
	jobs, _ = e.ListEmbeddingJobs("notes")
	if jobs[0].Meta.Attempts != attemptsBefore {
		t.Error("Attempts advanced on idempotent reprocess")
	}
}
