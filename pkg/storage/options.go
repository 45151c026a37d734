package storage

import (
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/bobboyms/embeddb/pkg/embed"
	"github.com/bobboyms/embeddb/pkg/errors"
)

// Options configura o engine
type Options struct {
	// Diretório de dados (obrigatório)
	DirPath string `yaml:"dir_path"`

	// Limite de tentativas de embedding antes de Failed
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff exponencial: base * 2^(attempts-1), limitado por max
	RetryBaseMS int64 `yaml:"retry_base_ms"`
	RetryMaxMS  int64 `yaml:"retry_max_ms"`

	// Se > 0, qualquer operação que iria anexar ao WAL roda um
	// checkpoint antes quando wal.log >= limiar. Se o checkpoint
	// falhar, a operação original falha.
	WALAutoCheckpointBytes int64 `yaml:"wal_autocheckpoint_bytes"`

	// RetryFailedJobs preserva o contador de attempts em vez de zerar
	RetryKeepsAttempts bool `yaml:"retry_keeps_attempts"`

	// Embedder plugável; o padrão é o hashing embedder determinístico
	Embedder embed.Embedder `yaml:"-"`

	// Logger estruturado; nil = zerolog.Nop()
	Logger *zerolog.Logger `yaml:"-"`
}

// DefaultOptions retorna uma configuração segura para o diretório dado
func DefaultOptions(dirPath string) Options {
	return Options{
		DirPath:     dirPath,
		MaxAttempts: 5,
		RetryBaseMS: 1000,
		RetryMaxMS:  60000,
		Embedder:    embed.NewHashingEmbedder(embed.DefaultDim),
	}
}

func (o *Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return zerolog.Nop()
}

// LoadOptions lê um arquivo YAML de configuração. Campos ausentes
// recebem os defaults; Embedder e Logger são sempre programáticos.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, &errors.IoError{Op: "read", Path: path, Err: err}
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, &errors.InvalidArgumentError{Reason: "malformed options file: " + err.Error()}
	}
	opts.applyDefaults()
	return opts, nil
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBaseMS <= 0 {
		o.RetryBaseMS = 1000
	}
	if o.RetryMaxMS <= 0 {
		o.RetryMaxMS = 60000
	}
	if o.Embedder == nil {
		o.Embedder = embed.NewHashingEmbedder(embed.DefaultDim)
	}
}

func (o *Options) validate() error {
	if o.DirPath == "" {
		return &errors.InvalidArgumentError{Reason: "DirPath is required"}
	}
	return nil
}
