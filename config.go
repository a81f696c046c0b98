package tierstore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind selects which backend/allocator combination a Manager builds.
type Kind uint8

const (
	// KindInvalid is the zero value; Init rejects it.
	KindInvalid Kind = iota
	// KindMemory is a single DRAM tier.
	KindMemory
	// KindPMem is a single tier over a growable persistent-memory pool.
	KindPMem
	// KindPMemFixed is a single tier over one fixed-size persistent-memory
	// mapping.
	KindPMemFixed
	// KindDisk is a single on-disk tier.
	KindDisk
	// KindMemoryPMem is DRAM over a persistent-memory spill tier.
	KindMemoryPMem
	// KindMemoryDisk is DRAM over an on-disk spill tier.
	KindMemoryDisk
)

var kindNames = map[Kind]string{
	KindInvalid:    "invalid",
	KindMemory:     "memory",
	KindPMem:       "pmem",
	KindPMemFixed:  "pmem_fixed",
	KindDisk:       "disk",
	KindMemoryPMem: "memory_pmem",
	KindMemoryDisk: "memory_disk",
}

// String returns the configuration name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s && k != KindInvalid {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// MarshalYAML implements yaml.Marshaler.
func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *Kind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Config selects the tier layout of a Manager. Immutable after
// construction.
type Config struct {
	// Kind picks the backend/allocator combination.
	Kind Kind `yaml:"kind"`
	// Path is the backing directory for persistent-memory pools and disk
	// tiers. Unused by memory-only configurations.
	Path string `yaml:"path"`
	// CapacityBytes sizes fixed persistent-memory mappings and, when set,
	// overrides the default cache byte budget of two-tier configurations.
	CapacityBytes int64 `yaml:"capacity_bytes"`
}

// LoadConfig reads a YAML storage configuration from path.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("tierstore: parse config %s: %w", path, err)
	}
	if cfg.Kind == KindInvalid {
		return Config{}, ErrInvalidKind
	}
	return cfg, nil
}
