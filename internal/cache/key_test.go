package cache

import (
	"testing"
)

// TestDescriptorKeyOrderIndependence tests that field insertion order
// never changes the derived key
func TestDescriptorKeyOrderIndependence(t *testing.T) {
	t.Parallel()

	a := NewDescriptor(NamespaceQuotes, map[string]string{
		"instrument": "AAPL",
		"timeframe":  "1d",
		"depth":      "200",
	})
	b := NewDescriptor(NamespaceQuotes, nil).
		WithField("depth", "200").
		WithField("instrument", "AAPL").
		WithField("timeframe", "1d")

	if a.Key() != b.Key() {
		t.Errorf("field order changed key: %s vs %s", a.Key(), b.Key())
	}
}

// TestDescriptorKeyDistinctness tests that differing inputs produce
// differing keys
func TestDescriptorKeyDistinctness(t *testing.T) {
	t.Parallel()

	base := NewDescriptor(NamespaceQuotes, map[string]string{
		"instrument": "AAPL",
		"timeframe":  "1d",
	})

	tests := []struct {
		name  string
		other Descriptor
	}{
		{
			name:  "different namespace",
			other: NewDescriptor(NamespacePatterns, map[string]string{"instrument": "AAPL", "timeframe": "1d"}),
		},
		{
			name:  "different field value",
			other: NewDescriptor(NamespaceQuotes, map[string]string{"instrument": "MSFT", "timeframe": "1d"}),
		},
		{
			name:  "extra field",
			other: base.WithField("depth", "50"),
		},
		{
			name:  "missing field",
			other: NewDescriptor(NamespaceQuotes, map[string]string{"instrument": "AAPL"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if base.Key() == tt.other.Key() {
				t.Errorf("expected distinct keys for %s", tt.name)
			}
		})
	}
}

// TestDescriptorKeySeparatorForging tests that values containing the
// separator characters cannot collide with honestly-structured fields
func TestDescriptorKeySeparatorForging(t *testing.T) {
	t.Parallel()

	// "a=1&b" as a single value vs two real fields a and b.
	forged := NewDescriptor(NamespaceQuotes, map[string]string{"x": "a=1&b=2"})
	honest := NewDescriptor(NamespaceQuotes, map[string]string{"x": "a", "a": "1", "b": "2"})

	if forged.Key() == honest.Key() {
		t.Error("separator characters in a value forged a field boundary")
	}
}

// TestAnalysisKeyMatchesDescriptor tests that the analysis helper and a
// hand-built descriptor agree, so the orchestrator and the persistent
// tier address the same entries
func TestAnalysisKeyMatchesDescriptor(t *testing.T) {
	t.Parallel()

	key := AnalysisKey("head_shoulders", "AAPL", "1d", map[string]string{"window": "30"})
	desc := NewDescriptor(NamespaceAnalysis, map[string]string{
		"type":       "head_shoulders",
		"instrument": "AAPL",
		"timeframe":  "1d",
		"window":     "30",
	})

	if key != desc.Key() {
		t.Errorf("analysis key %s does not match descriptor key %s", key, desc.Key())
	}
}

// TestAnalysisKeyParamOrder tests that param map iteration order does
// not affect the key, and that empty timeframe is omitted
func TestAnalysisKeyParamOrder(t *testing.T) {
	t.Parallel()

	k1 := AnalysisKey("trend", "EURUSD", "4h", map[string]string{"a": "1", "b": "2", "c": "3"})
	k2 := AnalysisKey("trend", "EURUSD", "4h", map[string]string{"c": "3", "a": "1", "b": "2"})
	if k1 != k2 {
		t.Error("param order changed analysis key")
	}

	withTF := AnalysisKey("trend", "EURUSD", "4h", nil)
	withoutTF := AnalysisKey("trend", "EURUSD", "", nil)
	if withTF == withoutTF {
		t.Error("expected timeframe to contribute to the key")
	}
}

// TestDescriptorStringReadable tests the log form carries the namespace
func TestDescriptorStringReadable(t *testing.T) {
	t.Parallel()

	desc := NewDescriptor(NamespaceIndicator, map[string]string{"name": "rsi"})
	s := desc.String()
	if s != "indicators:name=rsi" {
		t.Errorf("unexpected string form: %s", s)
	}
}
