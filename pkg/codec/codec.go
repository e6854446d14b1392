// Package codec provides Serializer implementations for common item types.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

var (
	_ types.Serializer[[]byte]         = Bytes{}
	_ types.Serializer[string]         = String{}
	_ types.Serializer[map[string]int] = JSON[map[string]int]{}
	_ types.Serializer[map[string]int] = Msgpack[map[string]int]{}
)

// Bytes stores payloads as-is.
type Bytes struct{}

func (Bytes) Encode(item []byte) ([]byte, error) { return item, nil }

// Decode copies data; record payloads alias the mapped segment.
func (Bytes) Decode(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

type String struct{}

func (String) Encode(item string) ([]byte, error) { return []byte(item), nil }
func (String) Decode(data []byte) (string, error) { return string(data), nil }

// JSON encodes items with encoding/json.
type JSON[T any] struct{}

func (JSON[T]) Encode(item T) ([]byte, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSerialization, err)
	}
	return b, nil
}

func (JSON[T]) Decode(data []byte) (T, error) {
	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return item, fmt.Errorf("%w: %w", types.ErrDeserialization, err)
	}
	return item, nil
}

var msgpackHandle = &codec.MsgpackHandle{}

// Msgpack encodes items with the same msgpack codec the raft transport uses.
type Msgpack[T any] struct{}

func (Msgpack[T]) Encode(item T) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(item); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

func (Msgpack[T]) Decode(data []byte) (T, error) {
	var item T
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(&item); err != nil {
		return item, fmt.Errorf("%w: %w", types.ErrDeserialization, err)
	}
	return item, nil
}
