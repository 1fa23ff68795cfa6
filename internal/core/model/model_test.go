package model

import "testing"

func TestCompareDates_MixedFormats(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"20240115", "2024-01-14", 1},
		{"2024-01-15T06:00:00Z", "20240115", 1},
		{"20240101", "2024-01-01", 0},
		{"notadate", "20240101", 1},
	}
	for _, c := range cases {
		if got := CompareDates(c.a, c.b); got != c.want {
			t.Fatalf("CompareDates(%q,%q)=%d want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSortDatesDesc(t *testing.T) {
	entries := []DateEntry{{Date: "20240101"}, {Date: "2024-01-15"}, {Date: "20240108"}}
	SortDatesDesc(entries)
	if entries[0].Date != "2024-01-15" || entries[2].Date != "20240101" {
		t.Fatalf("order=%v", entries)
	}
}

func TestDataset_EntryAndMostRecent(t *testing.T) {
	d := &Dataset{ID: "sst", Dates: []DateEntry{{Date: "20240101"}, {Date: "20240201"}, {Date: "20240115"}}}
	if e, ok := d.MostRecent(); !ok || e.Date != "20240201" {
		t.Fatalf("most recent=%v ok=%v", e.Date, ok)
	}
	if _, ok := d.Entry("20240115"); !ok {
		t.Fatalf("entry missing")
	}
	var nilDS *Dataset
	if _, ok := nilDS.MostRecent(); ok {
		t.Fatalf("nil dataset has no dates")
	}
	if (&Region{}).Dataset("sst") != nil {
		t.Fatalf("empty region has no datasets")
	}
}

func TestDateEntry_Valid(t *testing.T) {
	if (DateEntry{Layers: map[LayerKind]string{LayerImage: " "}}).Valid() {
		t.Fatalf("blank url is not a layer")
	}
	if !(DateEntry{Layers: map[LayerKind]string{LayerData: "a.geojson"}}).Valid() {
		t.Fatalf("data layer must be valid")
	}
}
