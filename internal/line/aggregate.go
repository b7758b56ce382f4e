package line

import (
	"math"
	"strconv"
	"strings"
)

// defaultLineID is used when a line identifier carries no digits at all.
const defaultLineID = "1"

// Counters is the element-wise sum of the tracked counters over the records
// of one line. The zero value is the valid "no data" result.
type Counters struct {
	Good      int64 `json:"good"`
	Rework    int64 `json:"rework"`
	Reject    int64 `json:"reject"`
	WiraQC    int64 `json:"wira_qc"`
	PQCGood   int64 `json:"pqc_good"`
	PQCRework int64 `json:"pqc_rework"`
	PQCReject int64 `json:"pqc_reject"`
	WiraPQC   int64 `json:"wira_pqc"`
	Output    int64 `json:"output"`
}

// Get returns the value of one counter.
func (c Counters) Get(f Field) int64 {
	switch f {
	case Good:
		return c.Good
	case Rework:
		return c.Rework
	case Reject:
		return c.Reject
	case WiraQC:
		return c.WiraQC
	case PQCGood:
		return c.PQCGood
	case PQCRework:
		return c.PQCRework
	case PQCReject:
		return c.PQCReject
	case WiraPQC:
		return c.WiraPQC
	case Output:
		return c.Output
	}
	return 0
}

func (c *Counters) add(f Field, v int64) {
	switch f {
	case Good:
		c.Good = saturatingAdd(c.Good, v)
	case Rework:
		c.Rework = saturatingAdd(c.Rework, v)
	case Reject:
		c.Reject = saturatingAdd(c.Reject, v)
	case WiraQC:
		c.WiraQC = saturatingAdd(c.WiraQC, v)
	case PQCGood:
		c.PQCGood = saturatingAdd(c.PQCGood, v)
	case PQCRework:
		c.PQCRework = saturatingAdd(c.PQCRework, v)
	case PQCReject:
		c.PQCReject = saturatingAdd(c.PQCReject, v)
	case WiraPQC:
		c.WiraPQC = saturatingAdd(c.WiraPQC, v)
	case Output:
		c.Output = saturatingAdd(c.Output, v)
	}
}

// saturatingAdd returns a+v for non-negative operands, capped at
// math.MaxInt64.
func saturatingAdd(a, v int64) int64 {
	if v > 0 && a > math.MaxInt64-v {
		return math.MaxInt64
	}
	return a + v
}

// Plus returns the element-wise sum of c and o.
func (c Counters) Plus(o Counters) Counters {
	for _, f := range Fields {
		c.add(f, o.Get(f))
	}
	return c
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// NormalizeID extracts the canonical line identifier from a free-form
// string: an all-digit input is returned unchanged, otherwise every
// non-digit is stripped, and "1" is returned when no digit remains.
func NormalizeID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw != "" && isDigits(raw) {
		return raw
	}
	var b strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return defaultLineID
	}
	return b.String()
}

// Number returns the first run of digits in raw as an integer.
func Number(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	start := strings.IndexFunc(raw, isDigit)
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(raw) && isDigit(rune(raw[end])) {
		end++
	}
	n, err := strconv.Atoi(raw[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SameLine reports whether a record's line identifier refers to the
// normalized target, by exact string or by number ("3", "LINE 3", "03").
func SameLine(recordLine, normalizedTarget string) bool {
	recordLine = strings.TrimSpace(recordLine)
	if recordLine == normalizedTarget {
		return true
	}
	got, ok := Number(recordLine)
	if !ok {
		return false
	}
	want, ok := Number(normalizedTarget)
	return ok && got == want
}

// WorkOrderMatches reports whether a (possibly comma-separated) work order
// field matches filter. An empty filter matches everything. An entry matches
// when it contains the filter or the filter contains it.
func WorkOrderMatches(field, filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	for _, wo := range strings.Split(field, ",") {
		wo = strings.TrimSpace(wo)
		if wo == "" {
			continue
		}
		if strings.Contains(wo, filter) || strings.Contains(filter, wo) {
			return true
		}
	}
	return false
}

// Match returns the records belonging to targetLineID, further narrowed by
// workOrder when it is non-empty. The input slice is not modified.
func Match(records []Record, targetLineID, workOrder string) []Record {
	target := NormalizeID(targetLineID)
	var out []Record
	for _, r := range records {
		if !SameLine(r.Line, target) {
			continue
		}
		if !WorkOrderMatches(r.WorkOrder, workOrder) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Aggregate sums the tracked counters over exactly the records matching
// targetLineID and workOrder. No matching record yields zero Counters.
func Aggregate(records []Record, targetLineID, workOrder string) Counters {
	var c Counters
	for _, r := range Match(records, targetLineID, workOrder) {
		c = c.Plus(r.Counters())
	}
	return c
}

func isDigit(c rune) bool { return c >= '0' && c <= '9' }

func isDigits(s string) bool {
	for _, c := range s {
		if !isDigit(c) {
			return false
		}
	}
	return true
}
