package wal

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/embeddb/pkg/types"
)

// Nomes dos arquivos de log dentro do data dir
const (
	LogFileName  = "wal.log"
	PrevFileName = "wal.prev"

	newFileSuffix = ".new"
)

const (
	frameLenSize = 4
	frameCRCSize = 4

	// MaxPayloadLen protege contra interpretar lixo como tamanho
	MaxPayloadLen = 256 * 1024 * 1024
)

// RecordType identifica a variante do registro
type RecordType uint8

const (
	RecordPutRow RecordType = iota + 1
	RecordDeleteRow
	RecordUpsertEmbeddingMeta
	RecordCreateTable
	RecordSetNextRowID
)

func (rt RecordType) String() string {
	switch rt {
	case RecordPutRow:
		return "PutRow"
	case RecordDeleteRow:
		return "DeleteRow"
	case RecordUpsertEmbeddingMeta:
		return "UpsertEmbeddingMeta"
	case RecordCreateTable:
		return "CreateTable"
	case RecordSetNextRowID:
		return "SetNextRowId"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(rt))
	}
}

// Record é a união taggeada das variantes de registro do WAL.
// O payload BSON é auto-descritivo: campos opcionais ausentes em
// registros antigos deserializam como zero/nil (compatibilidade).
type Record struct {
	Type      RecordType           `bson:"t"`
	Table     string               `bson:"table,omitempty"`
	RowID     uint64               `bson:"row_id,omitempty"`
	Payload   bson.Raw             `bson:"payload,omitempty"`
	Schema    *types.Schema        `bson:"schema,omitempty"`
	Embedding *types.EmbeddingSpec `bson:"embedding,omitempty"`
	Meta      *types.EmbeddingMeta `bson:"meta,omitempty"`
	NextRowID uint64               `bson:"next_row_id,omitempty"`
}

// EncodeRecord serializa o registro para o payload do frame
func EncodeRecord(rec *Record) ([]byte, error) {
	data, err := bson.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode wal record: %w", err)
	}
	if len(data) > MaxPayloadLen {
		return nil, fmt.Errorf("wal record payload too large: %d bytes", len(data))
	}
	return data, nil
}

// DecodeRecord deserializa o payload de um frame
func DecodeRecord(data []byte) (*Record, error) {
	rec := &Record{}
	if err := bson.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode wal record: %w", err)
	}
	if rec.Type == 0 {
		return nil, fmt.Errorf("wal record missing type tag")
	}
	return rec, nil
}
