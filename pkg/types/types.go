package types

import (
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// DataType enumera os tipos de coluna suportados
type DataType int

const (
	TypeInt    DataType = iota + 1 // 1: Inteiro (int64)
	TypeFloat                      // 2: Float64
	TypeBool                       // 3: Bool
	TypeString                     // 4: String
	TypeBytes                      // 5: Bytes
)

// Função auxiliar útil para debug
func (d DataType) String() string {
	switch d {
	case TypeInt:
		return "INT"
	case TypeFloat:
		return "FLOAT"
	case TypeBool:
		return "BOOL"
	case TypeString:
		return "STRING"
	case TypeBytes:
		return "BYTES"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(d))
	}
}

// ParseDataType converte o nome textual (config YAML) para DataType
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "int", "INT":
		return TypeInt, nil
	case "float", "FLOAT":
		return TypeFloat, nil
	case "bool", "BOOL":
		return TypeBool, nil
	case "string", "STRING":
		return TypeString, nil
	case "bytes", "BYTES":
		return TypeBytes, nil
	default:
		return 0, fmt.Errorf("unknown column type %q", s)
	}
}

type Column struct {
	Name     string   `bson:"name" yaml:"name"`
	Type     DataType `bson:"type" yaml:"type"`
	Nullable bool     `bson:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// Schema é a lista ordenada de colunas de uma tabela
type Schema struct {
	Columns []Column `bson:"columns"`
}

// Column busca a coluna pelo nome (nil se não existir)
func (s *Schema) Column(name string) *Column {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

// Validate verifica a consistência estrutural do schema
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema must declare at least one column")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("column name must not be empty")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		switch c.Type {
		case TypeInt, TypeFloat, TypeBool, TypeString, TypeBytes:
		default:
			return fmt.Errorf("column %q has unknown type %d", c.Name, int(c.Type))
		}
	}
	return nil
}

// Metric identifica a métrica de distância para busca vetorial
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// EmbeddingSpec declara as colunas de origem do texto a ser embedado
// e a métrica padrão da tabela.
type EmbeddingSpec struct {
	SourceColumns []string `bson:"source_columns"`
	Metric        Metric   `bson:"metric,omitempty"`
}

func (es *EmbeddingSpec) Validate(schema *Schema) error {
	if len(es.SourceColumns) == 0 {
		return fmt.Errorf("embedding spec must declare at least one source column")
	}
	for _, name := range es.SourceColumns {
		col := schema.Column(name)
		if col == nil {
			return fmt.Errorf("embedding source column %q not in schema", name)
		}
	}
	switch es.Metric {
	case "", MetricCosine, MetricL2:
	default:
		return fmt.Errorf("unknown metric %q", es.Metric)
	}
	return nil
}

// JobStatus é o estado do job de embedding de uma linha
type JobStatus int

const (
	StatusPending JobStatus = iota + 1
	StatusReady
	StatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusReady:
		return "Ready"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// EmbeddingMeta carrega o estado persistido do job de embedding.
// Os campos opcionais são omitempty: registros antigos sem eles
// deserializam como ausentes (compatibilidade para frente).
type EmbeddingMeta struct {
	Status        JobStatus `bson:"status"`
	ContentHash   string    `bson:"content_hash,omitempty"`
	Attempts      int       `bson:"attempts,omitempty"`
	NextRetryAtMS *int64    `bson:"next_retry_at_ms,omitempty"`
	LastError     string    `bson:"last_error,omitempty"`
	Vector        []float64 `bson:"vector,omitempty"`
}

func (m *EmbeddingMeta) Clone() *EmbeddingMeta {
	if m == nil {
		return nil
	}
	cp := *m
	if m.NextRetryAtMS != nil {
		v := *m.NextRetryAtMS
		cp.NextRetryAtMS = &v
	}
	if m.Vector != nil {
		cp.Vector = append([]float64(nil), m.Vector...)
	}
	return &cp
}

// NormalizeValue valida e converte um valor para a forma canônica do
// tipo da coluna: int64, float64, bool, string, []byte.
// Regras de narrowing: literais inteiros entram em FLOAT; sequências
// de inteiros 0..255 entram em BYTES. STRING nunca coage de numérico
// e BOOL nunca coage de nada.
func NormalizeValue(t DataType, v any) (any, error) {
	switch t {
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		}
		return nil, fmt.Errorf("expected INT, got %T", v)
	case TypeFloat:
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("expected FLOAT, got %T", v)
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected BOOL, got %T", v)
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected STRING, got %T", v)
	case TypeBytes:
		switch b := v.(type) {
		case []byte:
			return append([]byte(nil), b...), nil
		case bson.Binary:
			return append([]byte(nil), b.Data...), nil
		case []any:
			out := make([]byte, len(b))
			for i, item := range b {
				n, ok := AsInt64(item)
				if !ok || n < 0 || n > 255 {
					return nil, fmt.Errorf("expected byte-sized integer at index %d, got %v", i, item)
				}
				out[i] = byte(n)
			}
			return out, nil
		case []int:
			out := make([]byte, len(b))
			for i, n := range b {
				if n < 0 || n > 255 {
					return nil, fmt.Errorf("expected byte-sized integer at index %d, got %d", i, n)
				}
				out[i] = byte(n)
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected BYTES, got %T", v)
	default:
		return nil, fmt.Errorf("unknown column type %d", int(t))
	}
}

// ValidateRow valida um payload contra o schema e devolve a cópia
// normalizada. Colunas obrigatórias presentes, tipos corretos,
// nullable aceita nil, colunas desconhecidas rejeitadas.
func (s *Schema) ValidateRow(payload map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(s.Columns))
	for name := range payload {
		if s.Column(name) == nil {
			return nil, fmt.Errorf("column %q not in schema", name)
		}
	}
	for _, col := range s.Columns {
		v, present := payload[col.Name]
		if !present || v == nil {
			if !col.Nullable {
				return nil, fmt.Errorf("required column %q missing", col.Name)
			}
			if present {
				normalized[col.Name] = nil
			}
			continue
		}
		nv, err := NormalizeValue(col.Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		normalized[col.Name] = nv
	}
	return normalized, nil
}

// AsInt64 tenta extrair um inteiro de qualquer representação numérica
// inteira (incluindo os tipos que o BSON devolve em decode).
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

// AsFloat64 promove qualquer numérico para float64 (comparações de filtro)
func AsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	if i, ok := AsInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// RenderValue produz a renderização textual estável usada no content
// hash dos campos de origem do embedding.
func RenderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []byte:
		return fmt.Sprintf("%x", x)
	default:
		if i, ok := AsInt64(v); ok {
			return strconv.FormatInt(i, 10)
		}
		if f, ok := AsFloat64(v); ok {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return fmt.Sprintf("%v", v)
	}
}
