// Package jsoncodec is the JSON encoder used for diagnostics payloads.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Encode streams v to w followed by a newline.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}
