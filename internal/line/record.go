package line

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Field identifies one tracked counter of a production line.
type Field int

const (
	Good Field = iota
	Rework
	Reject
	WiraQC
	PQCGood
	PQCRework
	PQCReject
	WiraPQC
	Output

	numFields
)

// Fields lists every tracked counter in canonical order.
var Fields = [numFields]Field{Good, Rework, Reject, WiraQC, PQCGood, PQCRework, PQCReject, WiraPQC, Output}

// fieldKeys maps each counter to the JSON keys the backends have been seen
// to use for it, in lookup order.
var fieldKeys = [numFields][]string{
	Good:      {"Good", "good"},
	Rework:    {"Rework", "rework"},
	Reject:    {"Reject", "reject"},
	WiraQC:    {"WIRA", "wira"},
	PQCGood:   {"PQC Good", "pqc_good", "pqcGood"},
	PQCRework: {"PQC Rework", "pqc_rework", "pqcRework"},
	PQCReject: {"PQC Reject", "pqc_reject", "pqcReject"},
	WiraPQC:   {"PQC WIRA", "pqc_wira", "pqcWira"},
	Output:    {"Output Sewing", "output_sewing", "outputSewing"},
}

var fieldNames = [numFields]string{
	Good:      "good",
	Rework:    "rework",
	Reject:    "reject",
	WiraQC:    "wira_qc",
	PQCGood:   "pqc_good",
	PQCRework: "pqc_rework",
	PQCReject: "pqc_reject",
	WiraPQC:   "wira_pqc",
	Output:    "output",
}

// String returns the snake_case name used in logs and JSON.
func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "field(" + strconv.Itoa(int(f)) + ")"
	}
	return fieldNames[f]
}

var errInvalidRecord = errors.New("line: invalid record JSON")

// Record is one snapshot row for one production line.
//
// Counter values are kept exactly as transmitted (string or number) so that
// the dedup fingerprint and the aggregator see the same raw input; use
// [Record.Value] to read them as numbers.
type Record struct {
	Line      string
	WorkOrder string
	Style     string
	Item      string
	Buyer     string
	Color     string
	Size      string
	Balance   string

	raw    [numFields]string
	source json.RawMessage
}

// NewRecord builds a record from already-extracted values. It is mostly
// useful in tests and for synthetic records.
func NewRecord(lineID, workOrder string, counters map[Field]string) Record {
	r := Record{Line: lineID, WorkOrder: workOrder}
	for f, v := range counters {
		if f >= 0 && f < numFields {
			r.raw[f] = v
		}
	}
	return r
}

// Raw returns the counter exactly as transmitted, or "" if it was absent.
func (r Record) Raw(f Field) string {
	if f < 0 || f >= numFields {
		return ""
	}
	return r.raw[f]
}

// Value returns the counter parsed with [ParseNumber].
func (r Record) Value(f Field) int64 {
	return ParseNumber(r.Raw(f))
}

// Counters returns the record's own counters as numbers.
func (r Record) Counters() Counters {
	var c Counters
	for _, f := range Fields {
		c.add(f, r.Value(f))
	}
	return c
}

// Source returns the original JSON object the record was decoded from.
func (r Record) Source() json.RawMessage {
	return r.source
}

// UnmarshalJSON decodes a record tolerating the key spellings used by the
// different backends and both string and numeric counter encodings.
func (r *Record) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errInvalidRecord
	}
	obj := gjson.ParseBytes(data)
	*r = RecordFromJSON(obj)
	return nil
}

// MarshalJSON encodes the record back into the canonical backend shape.
func (r Record) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"line": r.Line,
		"WO":   r.WorkOrder,
	}
	if r.Style != "" {
		out["Style"] = r.Style
	}
	if r.Item != "" {
		out["Item"] = r.Item
	}
	if r.Buyer != "" {
		out["Buyer"] = r.Buyer
	}
	if r.Color != "" {
		out["Color"] = r.Color
	}
	if r.Size != "" {
		out["Size"] = r.Size
	}
	if r.Balance != "" {
		out["Balance"] = r.Balance
	}
	for _, f := range Fields {
		if r.raw[f] != "" {
			out[fieldKeys[f][0]] = r.raw[f]
		}
	}
	return json.Marshal(out)
}

// RecordFromJSON extracts a record from a parsed JSON object.
func RecordFromJSON(obj gjson.Result) Record {
	r := Record{
		Line:      FirstString(obj, "line", "Line", "LINE"),
		WorkOrder: FirstString(obj, "WO", "wo", "wo_no"),
		Style:     FirstString(obj, "Style", "style"),
		Item:      FirstString(obj, "Item", "item"),
		Buyer:     FirstString(obj, "Buyer", "buyer"),
		Color:     FirstString(obj, "Color", "color"),
		Size:      FirstString(obj, "Size", "size"),
		Balance:   FirstString(obj, "Balance", "balance"),
	}
	for _, f := range Fields {
		r.raw[f] = FirstString(obj, fieldKeys[f]...)
	}
	if obj.Raw != "" {
		r.source = json.RawMessage(obj.Raw)
	}
	return r
}

// FirstString returns the first present, non-empty key of obj as a trimmed
// string. Keys are escaped so gjson treats them literally.
func FirstString(obj gjson.Result, keys ...string) string {
	for _, k := range keys {
		v := obj.Get(gjsonKey(k))
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		s := strings.TrimSpace(v.String())
		if s != "" {
			return s
		}
	}
	return ""
}

var gjsonEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func gjsonKey(k string) string {
	return gjsonEscaper.Replace(k)
}

// ParseNumber permissively converts a transmitted counter to an integer.
//
// Every character other than digits, '.' and a leading '-' is stripped
// before parsing. Parse failures and negative values yield 0; fractional
// values are truncated and values beyond int64 saturate.
func ParseNumber(v string) int64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var b strings.Builder
	b.Grow(len(v))
	for i, c := range v {
		switch {
		case c >= '0' && c <= '9', c == '.':
			b.WriteRune(c)
		case c == '-' && b.Len() == 0 && i == 0:
			b.WriteRune(c)
		}
	}
	s := b.String()
	if s == "" || s == "-" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	switch {
	case err == nil:
		return max(n, 0)
	case errors.Is(err, strconv.ErrRange):
		if n > 0 {
			return math.MaxInt64
		}
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(f)
}
