package storage

import (
	"fmt"
	"math"
	"sort"

	"github.com/bobboyms/embeddb/pkg/errors"
	"github.com/bobboyms/embeddb/pkg/query"
	"github.com/bobboyms/embeddb/pkg/types"
)

// SearchRequest descreve uma busca kNN. Vector OU Text: com Text, o
// embedder da tabela produz o vetor de consulta. Metric vazio usa o
// default do embedding spec da tabela (cosine em último caso).
type SearchRequest struct {
	Table  string
	Vector []float64
	Text   string
	K      int
	Metric types.Metric
	Filter query.Filter
}

// SearchResult é um vizinho retornado, em distância não-decrescente
type SearchResult struct {
	RowID    uint64
	Distance float64
	Payload  map[string]any
}

// Search executa kNN por força bruta sobre os vetores Ready da
// tabela, respeitando a regra de visibilidade (tombstones e versões
// antigas nunca aparecem) e o filtro escalar opcional. A ordenação
// usa ordem total com não-finitos por último: um candidato NaN/Inf
// nunca vence um resultado finito.
func (e *Engine) Search(req SearchRequest) ([]SearchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(req.Table)
	if err != nil {
		return nil, err
	}

	if req.K < 0 {
		return nil, &errors.InvalidArgumentError{Reason: fmt.Sprintf("k must be >= 0, got %d", req.K)}
	}
	if req.K == 0 {
		return []SearchResult{}, nil
	}

	metric := req.Metric
	if metric == "" && t.Embedding != nil {
		metric = t.Embedding.Metric
	}
	if metric == "" {
		metric = types.MetricCosine
	}
	if metric != types.MetricCosine && metric != types.MetricL2 {
		return nil, &errors.InvalidArgumentError{Reason: fmt.Sprintf("unknown metric %q", metric)}
	}

	if req.Filter != nil {
		if err := req.Filter.Validate(t.Schema); err != nil {
			return nil, err
		}
	}

	queryVec := req.Vector
	if len(queryVec) == 0 {
		if req.Text == "" {
			return nil, &errors.InvalidArgumentError{Reason: "search requires a query vector or query text"}
		}
		if t.Embedding == nil {
			return nil, &errors.InvalidArgumentError{Reason: fmt.Sprintf("table %q has no embedding spec for text search", req.Table)}
		}
		vec, err := e.opts.Embedder.Embed(req.Text)
		if err != nil {
			return nil, &errors.EmbedderError{Err: err}
		}
		queryVec = vec
	}

	// Candidatos em ordem de row id, para estabilidade do sort
	ids := make([]uint64, 0, len(t.embeddingState))
	for id, meta := range t.embeddingState {
		if meta.Status == types.StatusReady && len(meta.Vector) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]SearchResult, 0, len(ids))
	for _, id := range ids {
		meta := t.embeddingState[id]
		if len(meta.Vector) != len(queryVec) {
			return nil, &errors.InvalidArgumentError{
				Reason: fmt.Sprintf("query vector dim %d does not match stored dim %d", len(queryVec), len(meta.Vector)),
			}
		}

		view, err := t.lookupRow(id)
		if err != nil {
			return nil, err
		}
		if !view.found || view.tombstone {
			continue
		}
		if req.Filter != nil && !req.Filter.Matches(view.payload) {
			continue
		}

		var dist float64
		switch metric {
		case types.MetricCosine:
			dist = cosineDistance(queryVec, meta.Vector)
		case types.MetricL2:
			dist = l2Distance(queryVec, meta.Vector)
		}
		results = append(results, SearchResult{RowID: id, Distance: dist, Payload: view.payload})
	}

	// Ordem total: finitos crescentes, não-finitos estritamente por último
	sort.SliceStable(results, func(i, j int) bool {
		return distanceLess(results[i].Distance, results[j].Distance)
	})
	if len(results) > req.K {
		results = results[:req.K]
	}
	return results, nil
}

func distanceLess(a, b float64) bool {
	aFinite := !math.IsNaN(a) && !math.IsInf(a, 0)
	bFinite := !math.IsNaN(b) && !math.IsInf(b, 0)
	switch {
	case aFinite && bFinite:
		return a < b
	case aFinite:
		return true
	default:
		return false
	}
}

// cosineDistance = 1 - similaridade. Vetor de norma zero rende NaN,
// que a ordenação empurra para o fim.
func cosineDistance(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	return 1.0 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func l2Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
