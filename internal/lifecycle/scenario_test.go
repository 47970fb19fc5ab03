package lifecycle_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/wmihelper/internal/bridge"
	"github.com/ppiankov/wmihelper/internal/lifecycle"
	"github.com/ppiankov/wmihelper/internal/oplog"
	"github.com/ppiankov/wmihelper/internal/record"
	"github.com/ppiankov/wmihelper/internal/sentinel"
	"github.com/ppiankov/wmihelper/internal/sink"
	"github.com/ppiankov/wmihelper/internal/source"
)

func readRecords(t *testing.T, path string) []record.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []record.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r record.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		out = append(out, r)
	}
	return out
}

// Start, receive [1,2,3], create the stop file, exit with the stop file gone.
func TestEndToEndStopFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "wmi_events.log")
	log := oplog.New(filepath.Join(dir, "xZenithWMIHelper.log"), oplog.LevelDebug, nil)

	src := source.NewMemory()
	b := bridge.New(bridge.Config{Property: "EventDetail"}, src, sink.New(out, log), log)
	ctrl := lifecycle.New(b, sentinel.NewWatcher(dir, sentinel.DefaultName, log), log)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	require.Eventually(t, func() bool { return ctrl.State() == lifecycle.StateRunning }, 5*time.Second, 5*time.Millisecond)
	require.True(t, src.EmitBytes("EventDetail", []byte{1, 2, 3}))

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(out)
		return bytes.Count(data, []byte("\n")) == 2
	}, 5*time.Second, 5*time.Millisecond)
	recs := readRecords(t, out)
	assert.Equal(t, record.TypeTest, recs[0].Type)
	assert.Equal(t, record.TypeEvent, recs[1].Type)
	assert.Equal(t, []int{1, 2, 3}, recs[1].Data)

	require.NoError(t, sentinel.Request(dir, sentinel.DefaultName))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not terminate")
	}

	recs = readRecords(t, out)
	require.Len(t, recs, 3)
	assert.Equal(t, record.TypeClose, recs[2].Type)
	assert.Equal(t, lifecycle.StateTerminated, ctrl.State())
	assert.NoFileExists(t, filepath.Join(dir, sentinel.DefaultName))

	// A second stop file after termination changes nothing.
	require.NoError(t, sentinel.Request(dir, sentinel.DefaultName))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, readRecords(t, out), 3)
}

func TestEndToEndDegradedSource(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "wmi_events.log")
	log := oplog.Discard()

	src := source.NewMemory()
	src.FailWith(source.ErrUnsupported)
	b := bridge.New(bridge.Config{Property: "EventDetail"}, src, sink.New(out, log), log)
	ctrl := lifecycle.New(b, sentinel.NewWatcher(dir, sentinel.DefaultName, log), log)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()
	require.Eventually(t, func() bool { return ctrl.State() == lifecycle.StateRunning }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, b.Subscribed())

	require.NoError(t, sentinel.Request(dir, sentinel.DefaultName))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not terminate")
	}
	assert.Empty(t, readRecords(t, out))
}
