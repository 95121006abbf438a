// Package wire decodes the binary position feed.
//
// A frame is a flat run of little-endian float32 values grouped in
// quadruplets [id, lat, lng, route] with no header and no length prefix.
// One websocket message carries exactly one frame.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	FieldsPerRecord = 4
	FieldSize       = 4
	RecordSize      = FieldsPerRecord * FieldSize
)

var (
	// ErrTrailingBytes is returned alongside the whole records of a frame
	// whose length is not a multiple of RecordSize. It is not fatal.
	ErrTrailingBytes = errors.New("wire: frame has trailing bytes")
	// ErrInvalidRecord reports that at least one record was dropped during
	// boundary validation.
	ErrInvalidRecord = errors.New("wire: invalid record dropped")
)

// Record is one decoded bus sample.
type Record struct {
	ID    int32
	Lat   float64
	Lng   float64
	Route int32
}

// Decode returns the records of buf in wire order. Records with a
// non-finite or out-of-range id/route, or non-finite coordinates, are
// skipped. The returned error, if any, is ErrTrailingBytes and/or
// ErrInvalidRecord joined together; the records are usable either way.
func Decode(buf []byte) ([]Record, error) {
	n := len(buf) / RecordSize
	out := make([]Record, 0, n)
	var errs []error
	if len(buf)%RecordSize != 0 {
		errs = append(errs, ErrTrailingBytes)
	}
	dropped := false
	for i := 0; i < n; i++ {
		off := i * RecordSize
		rec, ok := decodeRecord(buf[off : off+RecordSize])
		if !ok {
			dropped = true
			continue
		}
		out = append(out, rec)
	}
	if dropped {
		errs = append(errs, ErrInvalidRecord)
	}
	return out, errors.Join(errs...)
}

func decodeRecord(b []byte) (Record, bool) {
	id, ok := toInt32(field(b, 0))
	if !ok {
		return Record{}, false
	}
	route, ok := toInt32(field(b, 3))
	if !ok {
		return Record{}, false
	}
	lat := float64(field(b, 1))
	lng := float64(field(b, 2))
	if !finite(lat) || !finite(lng) {
		return Record{}, false
	}
	return Record{ID: id, Lat: lat, Lng: lng, Route: route}, true
}

func field(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[i*FieldSize:]))
}

// toInt32 rounds an identifier carried as float32 to the nearest integer.
func toInt32(f float32) (int32, bool) {
	v := float64(f)
	if !finite(v) {
		return 0, false
	}
	v = math.Round(v)
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, false
	}
	return int32(v), true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AppendRecord encodes r onto dst in wire layout.
func AppendRecord(dst []byte, r Record) []byte {
	for _, f := range [FieldsPerRecord]float32{float32(r.ID), float32(r.Lat), float32(r.Lng), float32(r.Route)} {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

// Encode builds a complete frame from records.
func Encode(records []Record) []byte {
	buf := make([]byte, 0, len(records)*RecordSize)
	for _, r := range records {
		buf = AppendRecord(buf, r)
	}
	return buf
}

// EncodeFloats packs raw float32 fields without grouping; used to build
// frames of arbitrary field counts.
func EncodeFloats(fields ...float32) []byte {
	buf := make([]byte, 0, len(fields)*FieldSize)
	for _, f := range fields {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}
