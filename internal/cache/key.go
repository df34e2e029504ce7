package cache

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// Namespace constants for the cache namespaces the wider system uses.
const (
	NamespaceAnalysis  = "analysis"
	NamespaceQuotes    = "quotes"
	NamespacePatterns  = "patterns"
	NamespaceIndicator = "indicators"
)

// Descriptor identifies one cached computation: a namespace plus a set of
// named fields. Two descriptors with the same namespace and fields produce
// the same key regardless of the order fields were added.
type Descriptor struct {
	Namespace string
	Fields    map[string]string
}

// NewDescriptor creates a descriptor for the given namespace.
func NewDescriptor(namespace string, fields map[string]string) Descriptor {
	if fields == nil {
		fields = make(map[string]string)
	}
	return Descriptor{Namespace: namespace, Fields: fields}
}

// WithField returns a copy of the descriptor with one additional field.
func (d Descriptor) WithField(name, value string) Descriptor {
	fields := make(map[string]string, len(d.Fields)+1)
	for k, v := range d.Fields {
		fields[k] = v
	}
	fields[name] = value
	return Descriptor{Namespace: d.Namespace, Fields: fields}
}

// Key derives the fixed-width fingerprint for the descriptor. Fields are
// serialized sorted by name so insertion order never changes the key.
func (d Descriptor) Key() string {
	return fingerprint(d.Namespace, d.Fields)
}

// String returns a human-readable form for logging.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s:%s", d.Namespace, canonical(d.Fields))
}

// AnalysisKey derives the persistent-tier key for one analysis artifact.
// The timeframe and extra params are folded into the field set so that
// parameter order never matters.
func AnalysisKey(analysisType, instrument, timeframe string, params map[string]string) string {
	fields := make(map[string]string, len(params)+3)
	for k, v := range params {
		fields[k] = v
	}
	fields["type"] = analysisType
	fields["instrument"] = instrument
	if timeframe != "" {
		fields["timeframe"] = timeframe
	}
	return fingerprint(NamespaceAnalysis, fields)
}

func fingerprint(namespace string, fields map[string]string) string {
	sum := sha256.Sum256([]byte(namespace + "|" + canonical(fields)))
	return fmt.Sprintf("%x", sum)
}

// canonical serializes fields sorted by name as k=v pairs. Keys and values
// are escaped so that field boundaries cannot be forged by values
// containing the separator characters.
func canonical(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(escape(fields[k]))
	}
	return b.String()
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "&", `\a`)
	s = strings.ReplaceAll(s, "=", `\e`)
	return s
}
