package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/wmihelper/internal/record"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func startAsync(t *testing.T, args ...string) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, context.Background(), args...)
		done <- err
	}()
	return done
}

func readTypes(t *testing.T, path string) []record.Type {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []record.Type
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r record.Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			// A line still being appended; the caller polls again.
			return nil
		}
		out = append(out, r.Type)
	}
	return out
}

func waitExit(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not exit after stop file")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, context.Background(), "version")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "wmihelper", info["name"])
}

func TestConfigPrintsYAML(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, context.Background(), "config", "--base-dir", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "base_dir: "+dir)
	assert.Contains(t, out, "output: wmi_events.log")
	assert.Contains(t, out, "poll_interval: 1s")
}

func TestStopCreatesSentinel(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, context.Background(), "stop", "--base-dir", dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "stop.txt"))
	assert.Contains(t, out, "stop requested")
}

func TestStopWaitTimesOut(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, context.Background(), "stop", "--base-dir", dir, "--wait", "150ms")
	assert.ErrorContains(t, err, "did not acknowledge")
}

func TestRunUntilStopFile(t *testing.T) {
	for _, mode := range []string{"notify", "poll"} {
		t.Run(mode, func(t *testing.T) {
			dir := t.TempDir()
			out := filepath.Join(dir, "wmi_events.log")
			require.NoError(t, os.WriteFile(out, []byte("{\"type\":\"WMI_CLOSE\",\"message\":\"\",\"details\":\"\"}\n"), 0644))

			args := []string{"run", "--base-dir", dir, "--source", "memory"}
			if mode == "poll" {
				args = append(args, "--poll")
			}
			done := startAsync(t, args...)

			require.Eventually(t, func() bool {
				types := readTypes(t, out)
				return len(types) == 1 && types[0] == record.TypeTest
			}, 5*time.Second, 10*time.Millisecond)
			time.Sleep(50 * time.Millisecond)

			_, err := execute(t, context.Background(), "stop", "--base-dir", dir, "--wait", "5s")
			require.NoError(t, err)
			waitExit(t, done)

			assert.Equal(t, []record.Type{record.TypeTest, record.TypeClose}, readTypes(t, out))
			assert.NoFileExists(t, filepath.Join(dir, "stop.txt"))

			logData, err := os.ReadFile(filepath.Join(dir, "xZenithWMIHelper.log"))
			require.NoError(t, err)
			log := string(logData)
			assert.Contains(t, log, "WMI Helper application started")
			assert.Contains(t, log, "Application running in background")
			assert.Contains(t, log, "WMI Helper application stopped")
		})
	}
}

func TestRunRootWithoutSubcommand(t *testing.T) {
	dir := t.TempDir()
	done := startAsync(t, "--base-dir", dir, "--source", "memory")

	out := filepath.Join(dir, "wmi_events.log")
	require.Eventually(t, func() bool { return len(readTypes(t, out)) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stop.txt"), nil, 0644))
	waitExit(t, done)
	assert.Equal(t, []record.Type{record.TypeTest, record.TypeClose}, readTypes(t, out))
}

func TestRunDegradedStillStops(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("WMI is available on Windows")
	}
	dir := t.TempDir()
	done := startAsync(t, "run", "--base-dir", dir)

	logPath := filepath.Join(dir, "xZenithWMIHelper.log")
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(logPath)
		return strings.Contains(string(data), "Application running in background")
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stop.txt"), nil, 0644))
	waitExit(t, done)

	assert.Empty(t, readTypes(t, filepath.Join(dir, "wmi_events.log")))
	logData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Failed to start WMI event watcher")
	assert.NoFileExists(t, filepath.Join(dir, "stop.txt"))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, context.Background(), "run", "--base-dir", t.TempDir(), "--source", "etw")
	assert.ErrorContains(t, err, "source.kind")
}
