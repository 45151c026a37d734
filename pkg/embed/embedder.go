package embed

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Embedder transforma texto em um vetor de dimensão fixa.
// É tratado como colaborador externo e potencialmente falível: o
// engine registra falhas como job failure com retry, nunca assume
// que Embed é infalível.
type Embedder interface {
	Embed(text string) ([]float64, error)
	Dim() int
}

// DefaultDim é a dimensionalidade do embedder padrão
const DefaultDim = 64

// HashingEmbedder é o embedder padrão: determinístico, offline,
// derivado de SHA-256 do texto. Produz vetores unit-norm de dimensão
// fixa — suficiente para testes e uso local-first sem modelo.
type HashingEmbedder struct {
	dim int
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Dim() int { return e.dim }

func (e *HashingEmbedder) Embed(text string) ([]float64, error) {
	vec := make([]float64, e.dim)

	// Expande o hash em blocos: sha256(sha256(text) || block_index) rende
	// 4 componentes de 8 bytes por bloco.
	seed := sha256.Sum256([]byte(text))
	var block [4]byte
	i := 0
	for blockIdx := uint32(0); i < e.dim; blockIdx++ {
		h := sha256.New()
		h.Write(seed[:])
		binary.BigEndian.PutUint32(block[:], blockIdx)
		h.Write(block[:])
		digest := h.Sum(nil)

		for off := 0; off+8 <= len(digest) && i < e.dim; off += 8 {
			u := binary.BigEndian.Uint64(digest[off : off+8])
			// Mapeia para [-1, 1]
			vec[i] = float64(int64(u)) / math.MaxInt64
			i++
		}
	}

	// Normaliza para unit-norm
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}
