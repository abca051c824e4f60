package bpstream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bc, err := cfg.BufferConfig()
	require.NoError(t, err)
	require.Equal(t, buffer.DefaultInitialSize, bc.InitialSize)
	require.Equal(t, buffer.DefaultMaxSize, bc.MaxSize)
	require.Equal(t, endian.GetLittleEndianEngine(), bc.Engine)

	op, err := cfg.operator()
	require.NoError(t, err)
	require.Nil(t, op)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
group_name: sim
substreams: 4
streaming: true
big_endian: true
operator: lz4
initial_buffer_size: 1 MiB
max_buffer_size: 256MiB
growth_factor: 2
`))
	require.NoError(t, err)
	require.Equal(t, "sim", cfg.GroupName)
	require.Equal(t, "step", cfg.StepName, "unset keys keep their defaults")
	require.Equal(t, 4, cfg.SubStreams)
	require.True(t, cfg.Streaming)

	bc, err := cfg.BufferConfig()
	require.NoError(t, err)
	require.Equal(t, 1<<20, bc.InitialSize)
	require.Equal(t, 256<<20, bc.MaxSize)
	require.Equal(t, endian.GetBigEndianEngine(), bc.Engine)

	op, err := cfg.operator()
	require.NoError(t, err)
	require.Equal(t, format.OperatorLZ4, op.Type())

	empty, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), empty)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "substream: 2"},
		{"no sub-streams", "substreams: 0"},
		{"no merge workers", "merge_workers: 0"},
		{"empty group name", `group_name: ""`},
		{"unknown operator", "operator: brotli"},
		{"bad size", "max_buffer_size: lots"},
		{"max below floor", "max_buffer_size: 512B"},
		{"initial above max", "initial_buffer_size: 2MiB\nmax_buffer_size: 1MiB"},
		{"growth factor", "growth_factor: 1"},
		{"huge size", "max_buffer_size: 8GiB"},
		{"malformed", "substreams: [1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.ErrorIs(t, err, errs.ErrConfig)
		})
	}
}
