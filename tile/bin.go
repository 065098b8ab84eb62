package tile

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/entwine-go/ept/key"
)

// BinCodec is the uncompressed wire format: a flat concatenation of
// fixed-width records, X/Y/Z taken as the first three float64 fields of
// each record. It is deliberately stdlib-only: the format IS
// encoding/binary's little-endian layout, so there is no third-party
// library to wrap around it without inventing one.
type BinCodec struct{}

func (BinCodec) Format() Format    { return FormatBin }
func (BinCodec) Extension() string { return ".bin" }

func (BinCodec) Write(table PointTable, _ key.Bounds) ([]byte, error) {
	buf := make([]byte, 0, len(table.Records)*table.PointSize)
	for _, rec := range table.Records {
		if len(rec.Data) != table.PointSize {
			return nil, fmt.Errorf("tile: record size %d does not match table point size %d", len(rec.Data), table.PointSize)
		}
		buf = append(buf, rec.Data...)
	}
	return buf, nil
}

func (BinCodec) Read(data []byte, pointSize int) (PointTable, error) {
	if pointSize <= 0 {
		return PointTable{}, fmt.Errorf("tile: invalid point size %d", pointSize)
	}
	if len(data)%pointSize != 0 {
		return PointTable{}, fmt.Errorf("tile: data length %d is not a multiple of point size %d", len(data), pointSize)
	}
	n := len(data) / pointSize
	table := PointTable{PointSize: pointSize, Records: make([]Record, n)}
	r := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		rec := make([]byte, pointSize)
		if _, err := r.Read(rec); err != nil {
			return PointTable{}, fmt.Errorf("tile: reading record %d: %w", i, err)
		}
		var x, y, z float64
		sub := bytes.NewReader(rec)
		if err := binary.Read(sub, binary.LittleEndian, &x); err != nil {
			return PointTable{}, err
		}
		if err := binary.Read(sub, binary.LittleEndian, &y); err != nil {
			return PointTable{}, err
		}
		if err := binary.Read(sub, binary.LittleEndian, &z); err != nil {
			return PointTable{}, err
		}
		table.Records[i] = Record{Point: key.Point{X: x, Y: y, Z: z}, Data: rec}
	}
	return table, nil
}
