package linepulse

import (
	"time"

	"github.com/jpalmerr/linepulse/internal/backend"
	"github.com/jpalmerr/linepulse/internal/detect"
	"github.com/jpalmerr/linepulse/internal/line"
	"github.com/jpalmerr/linepulse/internal/stream"
)

type (
	// Counters is the aggregated set of production counters of a line.
	Counters = line.Counters

	// WorkOrderInfo describes the work order currently on the line.
	WorkOrderInfo = backend.WorkOrderInfo

	// TrackingItem is one garment's latest tracking event.
	TrackingItem = backend.TrackingItem

	// ConnectionStatus is the push connection's state, reconnect attempt
	// and last error.
	ConnectionStatus = stream.Status

	// NotificationType names the inspection stage of a rework.
	NotificationType = detect.Kind
)

// Connection states reported in [ConnectionStatus].
const (
	Disconnected = stream.Disconnected
	Connecting   = stream.Connecting
	Connected    = stream.Connected
	Reconnecting = stream.Reconnecting
)

// Notification types.
const (
	NotificationQC  NotificationType = detect.QC
	NotificationPQC NotificationType = detect.PQC
)

// Notification reports a detected rework. While Loading is true the garment
// lookup is still running; once it finishes Record holds the garment, or
// nil when no fresh match was found in time.
type Notification struct {
	Type    NotificationType `json:"type"`
	Record  *TrackingItem    `json:"record"`
	Loading bool             `json:"loading"`
}

// State is the snapshot the engine publishes to its consumers.
//
// Fetch and connection failures never surface as errors from the engine;
// they show up here as IsError, LastError and Connection, and the last good
// Aggregated counters are kept.
type State struct {
	Aggregated   Counters         `json:"aggregated"`
	Connection   ConnectionStatus `json:"connection"`
	IsLoading    bool             `json:"is_loading"`
	IsError      bool             `json:"is_error"`
	LastError    string           `json:"last_error,omitempty"`
	WorkOrder    *WorkOrderInfo   `json:"work_order"`
	Notification *Notification    `json:"notification"`
	Filter       Filter           `json:"filter"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// equal compares everything but UpdatedAt, following pointers.
func (s State) equal(o State) bool {
	if !ptrEqual(s.WorkOrder, o.WorkOrder) || !ptrEqual(s.Notification, o.Notification) {
		return false
	}
	s.WorkOrder, o.WorkOrder = nil, nil
	s.Notification, o.Notification = nil, nil
	s.UpdatedAt, o.UpdatedAt = time.Time{}, time.Time{}
	return s == o
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
