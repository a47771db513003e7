//go:build gofuzz
// +build gofuzz

package multiplex

import "bytes"

func Fuzz(data []byte) int {
	in := data
	var out []byte
	for len(in) > 0 {
		f, n, err := DecodeFrame(in, DefaultMaxMessageSize)
		if err != nil {
			return 0
		}
		out = AppendFrame(out, &f)
		in = in[n:]
	}
	if !bytes.Equal(out, data) {
		panic("re-encoded frames differ from input")
	}
	return 1
}
