package jsoncodec

import (
	"github.com/bytedance/sonic"
)

// ContentType is stamped on every envelope produced by this codec.
const ContentType = "application/json"

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Decode allocates a fresh T and fills it from data.
func Decode[T any](data []byte) (*T, error) {
	out := new(T)
	if err := defaultConfig.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
