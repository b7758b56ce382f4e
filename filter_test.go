package linepulse

import "testing"

// TestFilter_DateEditsDoNotChangeKey verifies that typing dates never changes
// the fetch key until the range is applied.
func TestFilter_DateEditsDoNotChangeKey(t *testing.T) {
	base := Filter{WorkOrder: "185230"}
	key := base.Key("LINE 3")

	edited := base.WithDateFrom("2024-03-01").WithDateTo("2024-03-05")
	if got := edited.Key("LINE 3"); got != key {
		t.Errorf("Key() after edit = %q, want %q", got, key)
	}

	applied := edited.ApplyDateFilter()
	if applied.Key("LINE 3") == key {
		t.Error("Key() should change once the date filter is applied")
	}

	// editing again deactivates
	reedited := applied.WithDateTo("2024-03-06")
	if reedited.DateActive {
		t.Error("DateActive = true after date edit")
	}
	if got := reedited.Key("LINE 3"); got != key {
		t.Errorf("Key() after re-edit = %q, want %q", got, key)
	}
}

func TestFilter_Key(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		line   string
		want   string
	}{
		{"empty", Filter{}, "3", "3|"},
		{"line spellings", Filter{}, "LINE 3", "3|"},
		{"work order trimmed", Filter{WorkOrder: " A "}, "3", "3|A"},
		{"active range", Filter{DateFrom: "2024-03-01", DateActive: true}, "3", "3||2024-03-01|"},
		{"active but blank", Filter{DateFrom: " ", DateActive: true}, "3", "3|"},
		{"inactive range", Filter{DateFrom: "2024-03-01", DateTo: "2024-03-05"}, "3", "3|"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Key(tt.line); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilter_Query(t *testing.T) {
	f := Filter{WorkOrder: " A ", DateFrom: "2024-03-01"}

	q := f.query("3")
	if q.WorkOrder != "A" || q.DateFrom != "" {
		t.Errorf("query() = %+v, want work order only", q)
	}

	q = f.ApplyDateFilter().query("3")
	if q.DateFrom != "2024-03-01" {
		t.Errorf("query().DateFrom = %q, want 2024-03-01", q.DateFrom)
	}
}

func TestFilter_Validate(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		wantErr bool
	}{
		{"empty", Filter{}, false},
		{"inactive garbage", Filter{DateFrom: "garbage"}, false},
		{"active valid", Filter{DateFrom: "2024-03-01", DateTo: "2024/03/05", DateActive: true}, false},
		{"active garbage", Filter{DateTo: "garbage", DateActive: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestState_Equal(t *testing.T) {
	a := State{WorkOrder: &WorkOrderInfo{WorkOrder: "A"}}
	b := State{WorkOrder: &WorkOrderInfo{WorkOrder: "A"}}
	if !a.equal(b) {
		t.Error("states with equal work order contents should be equal")
	}

	b.WorkOrder = &WorkOrderInfo{WorkOrder: "B"}
	if a.equal(b) {
		t.Error("states with different work orders should differ")
	}

	c := a
	c.UpdatedAt = c.UpdatedAt.Add(1)
	if !a.equal(c) {
		t.Error("UpdatedAt should not take part in equality")
	}

	d := a
	d.Notification = &Notification{Type: NotificationQC, Loading: true}
	if a.equal(d) {
		t.Error("adding a notification should change the state")
	}
}
