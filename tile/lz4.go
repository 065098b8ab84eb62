package tile

import (
	"bytes"
	"fmt"
	"io"

	"github.com/entwine-go/ept/key"
	"github.com/pierrec/lz4/v4"
)

// FormatLz4 is an additive fast-compression tile tag, offered as a
// lower-latency alternative to zst for the cache's async write-back
// path.
const FormatLz4 Format = "lz4"

// Lz4Codec is registered separately from NewRegistry's defaults; callers
// that want the fast path call Register(Lz4Codec{}) explicitly.
type Lz4Codec struct{}

func (Lz4Codec) Format() Format    { return FormatLz4 }
func (Lz4Codec) Extension() string { return ".lz4" }

func (Lz4Codec) Write(table PointTable, bounds key.Bounds) ([]byte, error) {
	raw, err := BinCodec{}.Write(table, bounds)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("tile: lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("tile: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (Lz4Codec) Read(data []byte, pointSize int) (PointTable, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	raw, err := io.ReadAll(r)
	if err != nil {
		return PointTable{}, fmt.Errorf("tile: lz4 read: %w", err)
	}
	return BinCodec{}.Read(raw, pointSize)
}
