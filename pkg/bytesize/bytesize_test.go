package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1024", 1024},
		{"1KB", KB},
		{"64kb", 64 * KB},
		{"1.5MB", MB + MB/2},
		{"2 GB", 2 * GB},
		{"1Ti", TB},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"", "abc", "10XB", "-5MB"} {
		_, err := Parse(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "64.00 KB", Format(64*KB))
	assert.Equal(t, "1.50 MB", Format(MB+MB/2))
}

func TestSize_UnmarshalYAML(t *testing.T) {
	var cfg struct {
		HighWater Size `yaml:"high_water"`
		LowWater  Size `yaml:"low_water"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("high_water: 64KB\nlow_water: 16384\n"), &cfg))
	assert.Equal(t, int64(64*KB), cfg.HighWater.Bytes())
	assert.Equal(t, int64(16*KB), cfg.LowWater.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte("high_water: [1]"), &cfg))
}
