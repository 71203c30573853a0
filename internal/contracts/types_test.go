package contracts

import "testing"

func TestOHLCVBarValid(t *testing.T) {
	cases := []struct {
		name string
		bar  OHLCVBar
		want bool
	}{
		{"valid", OHLCVBar{Open: 10, High: 12, Low: 9, Close: 11, Volume: 5}, true},
		{"negative volume", OHLCVBar{Open: 10, High: 12, Low: 9, Close: 11, Volume: -1}, false},
		{"open above high", OHLCVBar{Open: 13, High: 12, Low: 9, Close: 11, Volume: 1}, false},
		{"close below low", OHLCVBar{Open: 10, High: 12, Low: 9, Close: 8, Volume: 1}, false},
		{"zero volume ok", OHLCVBar{Open: 10, High: 10, Low: 10, Close: 10, Volume: 0}, true},
	}
	for _, tc := range cases {
		if got := tc.bar.Valid(); got != tc.want {
			t.Fatalf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIntentMetaAccessors(t *testing.T) {
	m := IntentMeta{
		"execution_id": "exec-1",
		"slice_id":     "slice-3",
		"algo_type":    "vwap",
		"source":       "rebalancer",
		"residual":     true,
	}

	if m.ExecutionID() != "exec-1" {
		t.Fatalf("ExecutionID = %q", m.ExecutionID())
	}
	if m.SliceID() != "slice-3" {
		t.Fatalf("SliceID = %q", m.SliceID())
	}
	if m.AlgoType() != "vwap" {
		t.Fatalf("AlgoType = %q", m.AlgoType())
	}
	if m.Source() != "rebalancer" {
		t.Fatalf("Source = %q", m.Source())
	}
	if !m.Residual() {
		t.Fatalf("Residual = false, want true")
	}
}

func TestIntentMetaNilIsSafe(t *testing.T) {
	var m IntentMeta
	if m.ExecutionID() != "" || m.Residual() {
		t.Fatalf("nil IntentMeta accessors should zero-value, got %q / %v", m.ExecutionID(), m.Residual())
	}
}

func TestIntentMetaWithDoesNotMutateOriginal(t *testing.T) {
	base := IntentMeta{"algo_type": "twap"}
	extended := base.With("slice_id", "s-1")

	if _, ok := base["slice_id"]; ok {
		t.Fatalf("With mutated the original map")
	}
	if extended.SliceID() != "s-1" {
		t.Fatalf("With did not set slice_id on the copy")
	}
	if extended.AlgoType() != "twap" {
		t.Fatalf("With dropped an existing key")
	}
}
