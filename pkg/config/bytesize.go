package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that also accepts human strings such as
// "64MiB" in config files, flags and the environment.
type ByteSize uint64

func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Set and Type make ByteSize a pflag.Value.
func (b *ByteSize) Set(s string) error {
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b *ByteSize) Type() string { return "bytes" }

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	return b.Set(value.Value)
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return b.Set(s)
}
