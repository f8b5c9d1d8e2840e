package record

import "testing"

func TestBinaryRoundTrip(t *testing.T) {
	rec := VectorRecord{
		ID:     New(),
		Values: []float32{1.5, -2.25, 3},
		Tags:   []Tag{1, 2, 3},
		Text:   "hello world",
	}
	buf, err := rec.ToBinary()
	if err != nil {
		t.Fatalf("ToBinary: %v", err)
	}
	if len(buf) != rec.EncodedSize() {
		t.Fatalf("want EncodedSize %d, got %d bytes", rec.EncodedSize(), len(buf))
	}
	got, err := FromBinary(buf)
	if err != nil {
		t.Fatalf("FromBinary: %v", err)
	}
	if !got.Equal(rec) {
		t.Fatalf("want %+v, got %+v", rec, got)
	}
	if got.Text != rec.Text || len(got.Tags) != len(rec.Tags) {
		t.Fatalf("tags/text did not survive round trip: %+v", got)
	}
}

func TestToBinaryRejectsEmptyValues(t *testing.T) {
	if _, err := (VectorRecord{}).ToBinary(); err == nil {
		t.Fatalf("want error for empty values")
	}
}

func TestFromBinaryRejectsShortBuffer(t *testing.T) {
	if _, err := FromBinary([]byte{1, 2, 3}); err == nil {
		t.Fatalf("want error for short buffer")
	}
}

func TestEqualIgnoresTagsAndText(t *testing.T) {
	id := New()
	a := VectorRecord{ID: id, Values: []float32{1, 2}, Text: "a"}
	b := VectorRecord{ID: id, Values: []float32{1, 2}, Text: "b", Tags: []Tag{5}}
	if !a.Equal(b) {
		t.Fatalf("want equal records differing only in tags/text")
	}
}

func TestParseIdentifierRoundTrip(t *testing.T) {
	id := New()
	parsed, err := ParseIdentifier(id.String())
	if err != nil {
		t.Fatalf("ParseIdentifier: %v", err)
	}
	if parsed != id {
		t.Fatalf("want %v, got %v", id, parsed)
	}
}
