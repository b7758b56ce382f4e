package backend

import (
	"context"
	"encoding/json"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/tidwall/gjson"

	"github.com/jpalmerr/linepulse/internal/line"
)

// WorkOrderInfo is the descriptive header for the work order currently on
// a line.
type WorkOrderInfo struct {
	WorkOrder string        `json:"wo"`
	Line      string        `json:"line"`
	Style     string        `json:"style,omitempty"`
	Buyer     string        `json:"buyer,omitempty"`
	Item      string        `json:"item,omitempty"`
	Color     string        `json:"color,omitempty"`
	Size      string        `json:"size,omitempty"`
	Balance   string        `json:"balance,omitempty"`
	Counters  line.Counters `json:"counters"`
}

func workOrderInfoFrom(r line.Record, fallbackLine string) *WorkOrderInfo {
	info := &WorkOrderInfo{
		WorkOrder: r.WorkOrder,
		Line:      r.Line,
		Style:     r.Style,
		Buyer:     r.Buyer,
		Item:      r.Item,
		Color:     r.Color,
		Size:      r.Size,
		Balance:   r.Balance,
		Counters:  r.Counters(),
	}
	if info.Line == "" {
		info.Line = fallbackLine
	}
	return info
}

// TrackingItem is one garment's latest tracking event.
type TrackingItem struct {
	RFID       string `json:"rfid_garment"`
	WorkOrder  string `json:"wo"`
	Stage      string `json:"bagian"`
	LastStatus string `json:"last_status"`
	Timestamp  string `json:"timestamp"`
	Line       string `json:"line,omitempty"`
	Buyer      string `json:"buyer,omitempty"`
	Style      string `json:"style,omitempty"`
	Item       string `json:"item,omitempty"`
	Color      string `json:"color,omitempty"`
	Size       string `json:"size,omitempty"`
}

// Time parses Timestamp in loc when it carries no zone of its own.
func (t TrackingItem) Time(loc *time.Location) (time.Time, error) {
	return dateparse.ParseIn(t.Timestamp, loc)
}

func trackingItemFrom(v gjson.Result) TrackingItem {
	return TrackingItem{
		RFID:       line.FirstString(v, "rfid_garment", "rfid"),
		WorkOrder:  line.FirstString(v, "wo", "WO"),
		Stage:      line.FirstString(v, "bagian"),
		LastStatus: line.FirstString(v, "last_status"),
		Timestamp:  line.FirstString(v, "timestamp"),
		Line:       line.FirstString(v, "line", "Line", "LINE"),
		Buyer:      line.FirstString(v, "buyer", "Buyer"),
		Style:      line.FirstString(v, "style", "Style"),
		Item:       line.FirstString(v, "item", "Item"),
		Color:      line.FirstString(v, "color", "Color"),
		Size:       line.FirstString(v, "size", "Size"),
	}
}

// LineMetrics fetches the raw metric records matching q from /wira. The
// backend returns every line; callers narrow with line.Aggregate.
func (c *Client) LineMetrics(ctx context.Context, q Query) ([]line.Record, error) {
	params := url.Values{}
	if err := q.addDates(params); err != nil {
		return nil, err
	}
	if wo := strings.TrimSpace(q.WorkOrder); wo != "" {
		params.Set("wo", wo)
	}

	env, err := c.get(ctx, "/wira", params)
	if err != nil {
		return nil, err
	}
	data := env.Get("data")
	if !successful(env) || !data.IsArray() {
		c.anomaly("/wira", shapeOf(env))
		return nil, nil
	}
	return recordsFrom(data), nil
}

// WorkOrderInfo fetches the work order header for q.Line. With a work
// order filter it reads the first /wira row for that order; otherwise it
// reads /monitoring/line and tolerates the object, array and bare shapes
// that endpoint has produced. It returns nil when no data is available.
func (c *Client) WorkOrderInfo(ctx context.Context, q Query) (*WorkOrderInfo, error) {
	lineID := line.NormalizeID(q.Line)
	params := url.Values{}
	path := "/monitoring/line"
	if wo := strings.TrimSpace(q.WorkOrder); wo != "" {
		path = "/wira"
		params.Set("wo", wo)
	} else {
		params.Set("line", lineID)
	}
	if err := q.addDates(params); err != nil {
		return nil, err
	}

	env, err := c.get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	if !successful(env) {
		c.anomaly(path, shapeOf(env))
		return nil, nil
	}

	data := env.Get("data")
	switch {
	case data.IsArray():
		rows := recordsFrom(data)
		if len(rows) == 0 {
			return nil, nil
		}
		if path == "/monitoring/line" {
			if match := line.Match(rows, lineID, ""); len(match) > 0 {
				return workOrderInfoFrom(match[0], lineID), nil
			}
		}
		return workOrderInfoFrom(rows[0], lineID), nil

	case data.IsObject():
		c.anomaly(path, "data_object")
		return workOrderInfoFrom(line.RecordFromJSON(data), lineID), nil

	case line.FirstString(env, "WO", "wo") != "":
		c.anomaly(path, "bare_object")
		return workOrderInfoFrom(line.RecordFromJSON(env), lineID), nil
	}

	c.anomaly(path, shapeOf(env))
	return nil, nil
}

// Tracking fetches the latest tracking event of every garment on a line.
// Both {data: [...]} and a bare array are accepted.
func (c *Client) Tracking(ctx context.Context, lineID string) ([]TrackingItem, error) {
	const path = "/tracking/rfid_garment"
	env, err := c.get(ctx, path, url.Values{"line": {line.NormalizeID(lineID)}})
	if err != nil {
		return nil, err
	}

	data := env
	if !env.IsArray() {
		data = env.Get("data")
	}
	if !data.IsArray() {
		c.anomaly(path, shapeOf(env))
		return nil, nil
	}

	var items []TrackingItem
	data.ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			items = append(items, trackingItemFrom(v))
		}
		return true
	})
	return items, nil
}

// WorkOrders lists the distinct work orders seen on a line, sorted.
func (c *Client) WorkOrders(ctx context.Context, lineID string) ([]string, error) {
	items, err := c.Tracking(ctx, lineID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0)
	for _, it := range items {
		for _, wo := range strings.Split(it.WorkOrder, ",") {
			wo = strings.TrimSpace(wo)
			if wo == "" {
				continue
			}
			if _, ok := seen[wo]; ok {
				continue
			}
			seen[wo] = struct{}{}
			out = append(out, wo)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Detail fetches the garments behind one counter card, newest first.
// status is the backend's card name, e.g. "rework" or "output_sewing".
func (c *Client) Detail(ctx context.Context, status, lineID string) ([]json.RawMessage, error) {
	const path = "/wira/detail"
	params := url.Values{
		"status": {status},
		"line":   {line.NormalizeID(lineID)},
	}
	env, err := c.get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	data := env.Get("data")
	if !successful(env) || !data.IsArray() {
		c.anomaly(path, shapeOf(env))
		return nil, nil
	}

	type row struct {
		at  time.Time
		raw json.RawMessage
	}
	var rows []row
	data.ForEach(func(_, v gjson.Result) bool {
		r := row{raw: json.RawMessage(v.Raw)}
		if ts := line.FirstString(v, "timestamp", "updated", "created_at"); ts != "" {
			if t, err := dateparse.ParseIn(ts, time.Local); err == nil {
				r.at = t
			}
		}
		rows = append(rows, r)
		return true
	})
	slices.SortStableFunc(rows, func(a, b row) int {
		return b.at.Compare(a.at)
	})

	out := make([]json.RawMessage, len(rows))
	for i, r := range rows {
		out[i] = r.raw
	}
	return out, nil
}

func recordsFrom(data gjson.Result) []line.Record {
	records := make([]line.Record, 0, len(data.Array()))
	data.ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			records = append(records, line.RecordFromJSON(v))
		}
		return true
	})
	return records
}

// shapeOf names an envelope's shape for anomaly logs.
func shapeOf(env gjson.Result) string {
	switch {
	case env.IsArray():
		return "bare_array"
	case !env.IsObject():
		return "non_object"
	case !successful(env):
		return "unsuccessful"
	}
	data := env.Get("data")
	switch {
	case !data.Exists():
		return "missing_data"
	case data.IsArray():
		return "canonical"
	case data.IsObject():
		return "data_object"
	default:
		return "data_" + strings.ToLower(data.Type.String())
	}
}
