package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/errtag"
)

type testRecord struct {
	TSNs  int64  `json:"ts_ns"`
	Price float64 `json:"price"`
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := contracts.NewFixedClock(0)

	w, err := NewWriter(dir, "md.trades.BTCUSD", "BTCUSD", clock)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	records := []testRecord{
		{TSNs: 100, Price: 1.1},
		{TSNs: 200, Price: 1.2},
		{TSNs: 300, Price: 1.3},
	}
	for _, r := range records {
		if err := w.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cur, err := NewReader(dir, "md.trades.BTCUSD", "BTCUSD", 0, 1000)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer cur.Close()

	var got []testRecord
	for {
		entry, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		var r testRecord
		if err := json.Unmarshal(entry.Raw, &r); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
		got = append(got, r)
	}

	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i, r := range records {
		if got[i] != r {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], r)
		}
	}
}

func TestReadFiltersByTimeRange(t *testing.T) {
	dir := t.TempDir()
	clock := contracts.NewFixedClock(0)
	w, _ := NewWriter(dir, "md.trades.ETHUSD", "ETHUSD", clock)
	for _, ts := range []int64{100, 200, 300, 400} {
		w.Append(testRecord{TSNs: ts})
	}
	w.Close()

	cur, err := NewReader(dir, "md.trades.ETHUSD", "ETHUSD", 150, 350)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer cur.Close()

	var tsSeen []int64
	for {
		entry, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		tsSeen = append(tsSeen, entry.TSNs)
	}
	if len(tsSeen) != 2 || tsSeen[0] != 200 || tsSeen[1] != 300 {
		t.Fatalf("tsSeen = %v, want [200 300]", tsSeen)
	}
}

func TestReadMalformedLineFailsLoud(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk.decisions.20260101.ndjson")
	if err := os.WriteFile(path, []byte("{\"ts_ns\":1}\nnot json\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cur, err := NewReader(dir, "risk.decisions", "", 0, 1000)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer cur.Close()

	if _, ok, err := cur.Next(); err != nil || !ok {
		t.Fatalf("first record: ok=%v err=%v", ok, err)
	}
	_, ok, err := cur.Next()
	if err == nil {
		t.Fatalf("expected MalformedRecord error on second line")
	}
	if ok {
		t.Fatalf("ok should be false alongside an error")
	}
	if errtag.As(err) != errtag.ReasonMalformedRecord {
		t.Fatalf("error reason = %q, want %q", errtag.As(err), errtag.ReasonMalformedRecord)
	}
}

func TestRotateOnDateChange(t *testing.T) {
	dir := t.TempDir()
	clock := contracts.NewFixedClock(0)
	w, _ := NewWriter(dir, "md.trades.BTCUSD", "BTCUSD", clock)
	w.Append(testRecord{TSNs: 0})

	clock.Advance(int64(48) * int64(3600) * int64(1_000_000_000))
	w.Append(testRecord{TSNs: clock.NowNS()})
	w.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotation to produce ≥2 files, got %d", len(entries))
	}
}

func TestCompactGzipsAndRemovesOriginal(t *testing.T) {
	dir := t.TempDir()
	clock := contracts.NewFixedClock(0)
	w, _ := NewWriter(dir, "fills.new", "", clock)
	w.Append(testRecord{TSNs: 0, Price: 9.9})
	w.Close()

	oneWeekNs := int64(7) * 24 * 3600 * 1_000_000_000
	if err := Compact(dir, 1, oneWeekNs); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sawGz, sawPlain bool
	for _, e := range entries {
		if filepathExt(e.Name()) == ".gz" {
			sawGz = true
		}
		if filepathExt(e.Name()) == ".ndjson" {
			sawPlain = true
		}
	}
	if !sawGz {
		t.Fatalf("expected a .gz file after Compact")
	}
	if sawPlain {
		t.Fatalf("original .ndjson file was not removed after Compact")
	}

	cur, err := NewReader(dir, "fills.new", "", 0, oneWeekNs*2)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer cur.Close()
	entry, ok, err := cur.Next()
	if err != nil || !ok {
		t.Fatalf("reading compacted file: ok=%v err=%v", ok, err)
	}
	var r testRecord
	json.Unmarshal(entry.Raw, &r)
	if r.Price != 9.9 {
		t.Fatalf("Price = %v, want 9.9", r.Price)
	}
}

func filepathExt(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i:]
		}
	}
	return ""
}
