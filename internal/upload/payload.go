package upload

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zlib"
)

// FramePayload joins encoded events into a JSON array, keeping their order.
func FramePayload(events [][]byte) []byte {
	size := 2
	for _, ev := range events {
		size += len(ev) + 1
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteByte('[')
	for i, ev := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(ev)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Deflate compresses data as a zlib stream, which is what the intake
// expects for Content-Encoding: deflate.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("deflate payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish deflate: %w", err)
	}
	return buf.Bytes(), nil
}
