package tierstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.yaml")
	raw := "kind: memory_disk\npath: /var/lib/tierstore\ncapacity_bytes: 1048576\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, KindMemoryDisk, cfg.Kind)
	assert.Equal(t, "/var/lib/tierstore", cfg.Path)
	assert.EqualValues(t, 1048576, cfg.CapacityBytes)
}

func TestLoadConfigRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kind: s3\n"), 0o600))

	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestLoadConfigRequiresKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("path: /tmp\n"), 0o600))

	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestKindYAMLRoundTrip(t *testing.T) {
	kinds := []Kind{
		KindMemory, KindPMem, KindPMemFixed,
		KindDisk, KindMemoryPMem, KindMemoryDisk,
	}

	for _, k := range kinds {
		t.Run(k.String(), func(t *testing.T) {
			out, err := yaml.Marshal(k)
			require.NoError(t, err)

			var back Kind
			require.NoError(t, yaml.Unmarshal(out, &back))
			assert.Equal(t, k, back)
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("memory_pmem")
	require.NoError(t, err)
	assert.Equal(t, KindMemoryPMem, k)

	_, err = ParseKind("invalid")
	require.ErrorIs(t, err, ErrInvalidKind)

	_, err = ParseKind("")
	require.ErrorIs(t, err, ErrInvalidKind)
}
