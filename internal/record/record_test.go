package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPreservesByteOrder(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	r := Event([]byte{0x00, 0xFF, 0x10}, at)

	assert.Equal(t, TypeEvent, r.Type)
	assert.Equal(t, []int{0, 255, 16}, r.Data)
	assert.Equal(t, "WMI Event received", r.Message)
	assert.Equal(t, "Event received at 2026-10-19 08:30:00", r.Details)
}

func TestMarshalEvent(t *testing.T) {
	r := Event([]byte{1, 2, 3}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t,
		`{"type":"WMI_EVENT","data":[1,2,3],"message":"WMI Event received","details":"Event received at 2026-01-02 03:04:05"}`,
		string(out))
}

func TestMarshalEmptyEventKeepsData(t *testing.T) {
	out, err := json.Marshal(Event(nil, time.Now()))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"data":[]`)
}

func TestMarshalControlRecordsOmitData(t *testing.T) {
	for _, r := range []Record{Test(), Close()} {
		out, err := json.Marshal(r)
		require.NoError(t, err)
		assert.NotContains(t, string(out), `"data"`)
	}

	out, err := json.Marshal(Test())
	require.NoError(t, err)
	assert.Equal(t,
		`{"type":"WMI_TEST","message":"WMI Event Listener Test","details":"This is a test event to verify the connection"}`,
		string(out))
}

func TestMarshalRejectsInvalid(t *testing.T) {
	_, err := json.Marshal(Record{Type: "BOGUS"})
	assert.Error(t, err)

	_, err = json.Marshal(Record{Type: TypeEvent, Data: []int{256}})
	assert.Error(t, err)

	_, err = json.Marshal(Record{Type: TypeEvent, Data: []int{-1}})
	assert.Error(t, err)
}

func TestUnmarshal(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"type":"WMI_EVENT","data":[9,8],"message":"m","details":"d"}`), &r))
	assert.Equal(t, Record{Type: TypeEvent, Data: []int{9, 8}, Message: "m", Details: "d"}, r)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"WMI_CLOSE","data":[1]}`), &r))
	assert.Error(t, json.Unmarshal([]byte(`{"type":"NOPE"}`), &r))
}
