package tile

import (
	"fmt"

	"github.com/entwine-go/ept/key"
	"github.com/klauspost/compress/zstd"
)

// ZstdCodec wraps BinCodec's flat record layout with zstd framing. Kept
// free of package-level encoder/decoder state so callers from multiple
// goroutines don't contend on a shared session.
type ZstdCodec struct{}

func (ZstdCodec) Format() Format    { return FormatZst }
func (ZstdCodec) Extension() string { return ".zst" }

func (ZstdCodec) Write(table PointTable, bounds key.Bounds) ([]byte, error) {
	raw, err := BinCodec{}.Write(table, bounds)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("tile: zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func (ZstdCodec) Read(data []byte, pointSize int) (PointTable, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return PointTable{}, fmt.Errorf("tile: zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return PointTable{}, fmt.Errorf("tile: zstd decode: %w", err)
	}
	return BinCodec{}.Read(raw, pointSize)
}
