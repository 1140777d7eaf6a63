package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config values can be written as
// human-readable strings ("30s", "2m") in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string via time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// Dur returns d as a plain time.Duration.
func (d Duration) Dur() time.Duration {
	return time.Duration(d)
}

// byteUnits maps recognized suffixes to their byte multiplier. Binary
// prefixes (KiB/MiB/GiB) are powers of 1024; decimal prefixes (KB/MB/GB)
// are powers of 1000 — both spellings are accepted, but they are not
// aliases of each other.
var byteUnits = map[string]int64{
	"b":   1,
	"kib": 1 << 10,
	"mib": 1 << 20,
	"gib": 1 << 30,
	"kb":  1_000,
	"mb":  1_000_000,
	"gb":  1_000_000_000,
}

// ByteSize wraps a byte count parsed from a human-readable string such as
// "512MiB" or "10KB".
type ByteSize int64

// UnmarshalYAML accepts either a bare integer (bytes) or a string with a
// unit suffix.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := parseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// Bytes returns b as a plain int64 byte count.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

func parseByteSize(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("config: empty byte size")
	}

	i := 0
	for i < len(s) && (s[i] == '.' || s[i] == '-' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	numPart, unitPart := s[:i], strings.ToLower(strings.TrimSpace(s[i:]))
	if numPart == "" {
		return 0, fmt.Errorf("config: invalid byte size %q", raw)
	}

	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid byte size %q: %w", raw, err)
	}

	if unitPart == "" {
		return int64(n), nil
	}
	mult, ok := byteUnits[unitPart]
	if !ok {
		return 0, fmt.Errorf("config: unrecognized byte size unit %q in %q", unitPart, raw)
	}
	return int64(n * float64(mult)), nil
}
