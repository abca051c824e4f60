package bpstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/compress"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

// Config is the engine configuration. Sizes are human strings such as
// "16MiB" or "1 GB".
type Config struct {
	// GroupName names the process group every rank writes per step.
	GroupName string `yaml:"group_name"`
	// StepName names the time dimension of the process group.
	StepName string `yaml:"step_name"`

	InitialBufferSize string  `yaml:"initial_buffer_size"`
	MaxBufferSize     string  `yaml:"max_buffer_size"`
	GrowthFactor      float64 `yaml:"growth_factor"`

	// SubStreams is the number of data files, one per aggregation group.
	SubStreams int `yaml:"substreams"`
	// BigEndian selects big-endian streams; little-endian is the default.
	BigEndian bool `yaml:"big_endian"`
	// Streaming writes a metadata block every step and truncates the indices;
	// otherwise a single block is written when the writer closes.
	Streaming bool `yaml:"streaming"`
	// ColumnMajor marks process groups as column-major.
	ColumnMajor bool `yaml:"column_major"`

	// Operator is the default transform of variable payloads: none, zstd,
	// s2, lz4 or snappy.
	Operator string `yaml:"operator"`
	// MergeWorkers is the parallelism of the metadata merge on rank 0.
	MergeWorkers int `yaml:"merge_workers"`
}

// DefaultConfig returns a file-mode configuration with one sub-stream.
func DefaultConfig() Config {
	return Config{
		GroupName:         "group",
		StepName:          "step",
		InitialBufferSize: humanize.IBytes(buffer.DefaultInitialSize),
		MaxBufferSize:     humanize.IBytes(buffer.DefaultMaxSize),
		GrowthFactor:      buffer.DefaultGrowthFactor,
		SubStreams:        1,
		Operator:          format.OperatorNone.String(),
		MergeWorkers:      4,
	}
}

// LoadConfig decodes a YAML configuration over DefaultConfig and validates
// it. Unknown keys are rejected.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", errs.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ParseConfig is LoadConfig over a byte slice.
func ParseConfig(data []byte) (Config, error) {
	return LoadConfig(bytes.NewReader(data))
}

// Validate checks every field; world-dependent limits such as the sub-stream
// count against the number of ranks are checked when the writer opens.
func (c Config) Validate() error {
	if c.GroupName == "" || len(c.GroupName) > math.MaxUint16 {
		return fmt.Errorf("%w: group name of %d bytes", errs.ErrConfig, len(c.GroupName))
	}
	if len(c.StepName) > math.MaxUint16 {
		return fmt.Errorf("%w: step name of %d bytes", errs.ErrConfig, len(c.StepName))
	}
	if c.SubStreams < 1 {
		return fmt.Errorf("%w: %d sub-streams", errs.ErrConfig, c.SubStreams)
	}
	if c.MergeWorkers < 1 {
		return fmt.Errorf("%w: %d merge workers", errs.ErrConfig, c.MergeWorkers)
	}
	if _, err := c.operatorType(); err != nil {
		return err
	}
	if _, err := c.BufferConfig(); err != nil {
		return err
	}

	return nil
}

// Engine returns the configured byte order.
func (c Config) Engine() endian.EndianEngine {
	if c.BigEndian {
		return endian.GetBigEndianEngine()
	}

	return endian.GetLittleEndianEngine()
}

// BufferConfig converts the size strings into a validated buffer policy.
func (c Config) BufferConfig() (buffer.Config, error) {
	initial, err := parseSize("initial buffer size", c.InitialBufferSize)
	if err != nil {
		return buffer.Config{}, err
	}
	maxSize, err := parseSize("max buffer size", c.MaxBufferSize)
	if err != nil {
		return buffer.Config{}, err
	}

	bc := buffer.Config{
		InitialSize:  initial,
		MaxSize:      maxSize,
		GrowthFactor: c.GrowthFactor,
		Engine:       c.Engine(),
	}

	return bc, bc.Validate()
}

func parseSize(field, s string) (int, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %w", errs.ErrConfig, field, s, err)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s %s is too large", errs.ErrConfig, field, humanize.IBytes(n))
	}

	return int(n), nil
}

func (c Config) operatorType() (format.OperatorType, error) {
	typ, ok := format.ParseOperatorType(c.Operator)
	if !ok {
		return 0, fmt.Errorf("%w: unknown operator %q", errs.ErrConfig, c.Operator)
	}

	return typ, nil
}

// operator returns the default payload transform, or nil for none.
func (c Config) operator() (compress.Operator, error) {
	typ, err := c.operatorType()
	if err != nil || typ == format.OperatorNone {
		return nil, err
	}

	return compress.NewOperator(typ)
}
