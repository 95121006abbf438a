package wire

import (
	"errors"
	"math"
	"testing"
)

func TestDecodeSingleRecord(t *testing.T) {
	recs, err := Decode(EncodeFloats(7, 55.75, 37.61, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.ID != 7 || r.Route != 3 {
		t.Errorf("id/route = %d/%d, want 7/3", r.ID, r.Route)
	}
	if r.Lat != 55.75 {
		t.Errorf("lat = %v, want 55.75", r.Lat)
	}
	if r.Lng != float64(float32(37.61)) {
		t.Errorf("lng = %v, want %v", r.Lng, float32(37.61))
	}
}

func TestDecodeEmpty(t *testing.T) {
	recs, err := Decode(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("got %d records, want 0", len(recs))
	}
}

func TestDecodeTrailingFields(t *testing.T) {
	fields := make([]float32, 17)
	for i := 0; i < 4; i++ {
		fields[i*4] = float32(i + 1)
		fields[i*4+1] = 55
		fields[i*4+2] = 37
		fields[i*4+3] = 12
	}
	fields[16] = 99

	recs, err := Decode(EncodeFloats(fields...))
	if !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("err = %v, want ErrTrailingBytes", err)
	}
	if len(recs) > 4 {
		t.Fatalf("got %d records, want at most 4", len(recs))
	}
	if len(recs) != 4 {
		t.Fatalf("got %d records, want the 4 whole records", len(recs))
	}
	for i, r := range recs {
		if r.ID != int32(i+1) {
			t.Errorf("record %d id = %d", i, r.ID)
		}
	}
}

func TestDecodeOddByteCount(t *testing.T) {
	buf := append(EncodeFloats(1, 2, 3, 4), 0xff, 0x01)
	recs, err := Decode(buf)
	if !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("err = %v, want ErrTrailingBytes", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
}

func TestDecodeRoundsIdentifiers(t *testing.T) {
	recs, err := Decode(EncodeFloats(41.9999, 10, 20, 2.6))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recs[0].ID != 42 || recs[0].Route != 3 {
		t.Errorf("id/route = %d/%d, want 42/3", recs[0].ID, recs[0].Route)
	}
}

func TestDecodeDropsInvalidRecords(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	buf := EncodeFloats(
		nan, 1, 2, 3,
		1, inf, 2, 3,
		2, 1, 2, 3e12,
		3, 1, 2, 3,
	)
	recs, err := Decode(buf)
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("err = %v, want ErrInvalidRecord", err)
	}
	if errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("err = %v, did not expect ErrTrailingBytes", err)
	}
	if len(recs) != 1 || recs[0].ID != 3 {
		t.Fatalf("got %+v, want only id 3", recs)
	}
}

func TestDecodeKeepsWireOrderAndDuplicates(t *testing.T) {
	in := []Record{
		{ID: 5, Lat: 1, Lng: 1, Route: 1},
		{ID: 4, Lat: 2, Lng: 2, Route: 1},
		{ID: 5, Lat: 3, Lng: 3, Route: 2},
	}
	recs, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != len(in) {
		t.Fatalf("got %d records, want %d", len(recs), len(in))
	}
	for i := range in {
		if recs[i] != in[i] {
			t.Errorf("record %d = %+v, want %+v", i, recs[i], in[i])
		}
	}
}
