// Package record defines the Event Record written to the hand-off file.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags a Record. It fully determines which fields are serialized.
type Type string

const (
	TypeEvent Type = "WMI_EVENT"
	TypeTest  Type = "WMI_TEST"
	TypeClose Type = "WMI_CLOSE"
)

const (
	eventMessage = "WMI Event received"
	testMessage  = "WMI Event Listener Test"
	testDetails  = "This is a test event to verify the connection"
	closeMessage = "WMI Event Listener Closed"
	closeDetails = "The event listener has been stopped"
)

// DetailsTimeFormat is the layout used for the capture timestamp in event details.
const DetailsTimeFormat = "2006-01-02 15:04:05"

// Record is one line of the hand-off file.
type Record struct {
	Type    Type
	Data    []int
	Message string
	Details string
}

// Event builds a WMI_EVENT record. Each payload byte is widened to an int
// in its original position.
func Event(payload []byte, capturedAt time.Time) Record {
	data := make([]int, len(payload))
	for i, b := range payload {
		data[i] = int(b)
	}
	return Record{
		Type:    TypeEvent,
		Data:    data,
		Message: eventMessage,
		Details: "Event received at " + capturedAt.Format(DetailsTimeFormat),
	}
}

// Test builds the startup connection-check record.
func Test() Record {
	return Record{Type: TypeTest, Message: testMessage, Details: testDetails}
}

// Close builds the shutdown record.
func Close() Record {
	return Record{Type: TypeClose, Message: closeMessage, Details: closeDetails}
}

// eventWire keeps "data" even when the payload is empty.
type eventWire struct {
	Type    Type   `json:"type"`
	Data    []int  `json:"data"`
	Message string `json:"message"`
	Details string `json:"details"`
}

type controlWire struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// MarshalJSON renders the record in its wire form. Only WMI_EVENT carries data.
func (r Record) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case TypeEvent:
		data := r.Data
		if data == nil {
			data = []int{}
		}
		for i, v := range data {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("record: data[%d]=%d is not a byte value", i, v)
			}
		}
		return json.Marshal(eventWire{Type: r.Type, Data: data, Message: r.Message, Details: r.Details})
	case TypeTest, TypeClose:
		return json.Marshal(controlWire{Type: r.Type, Message: r.Message, Details: r.Details})
	default:
		return nil, fmt.Errorf("record: unknown type %q", r.Type)
	}
}

// UnmarshalJSON parses a wire line back into a Record.
func (r *Record) UnmarshalJSON(b []byte) error {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case TypeEvent:
		if w.Data == nil {
			w.Data = []int{}
		}
	case TypeTest, TypeClose:
		if w.Data != nil {
			return fmt.Errorf("record: %s must not carry data", w.Type)
		}
	default:
		return fmt.Errorf("record: unknown type %q", w.Type)
	}
	*r = Record{Type: w.Type, Data: w.Data, Message: w.Message, Details: w.Details}
	return nil
}
