package logsink

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/device-pki/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	messages []string
}

func (c *captureSink) Log(message string, severity interfaces.Severity, source string) {
	c.messages = append(c.messages, message)
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	sink.Log("Root CA certificate placed into trust store", interfaces.SeverityWarning, "WriteCertificate")

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "source=WriteCertificate")
	assert.Contains(t, out, "Root CA certificate placed into trust store")
}

func TestMultiFiltersSeverity(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	m := NewMulti(interfaces.SeverityWarning, a, b)

	m.Log("debug", interfaces.SeverityDebug, "x")
	m.Log("warning", interfaces.SeverityWarning, "x")
	m.Log("error", interfaces.SeverityError, "x")

	assert.Equal(t, []string{"warning", "error"}, a.messages)
	assert.Equal(t, a.messages, b.messages)
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, interfaces.SeverityWarning, ParseSeverity("WARN"))
	assert.Equal(t, interfaces.SeverityCritical, ParseSeverity("critical"))
	assert.Equal(t, interfaces.SeverityInfo, ParseSeverity("bogus"))
	assert.Equal(t, slog.LevelError, SlogLevel(interfaces.SeverityCritical))
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "logs.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	step := 0
	store.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	store.Log("first", interfaces.SeverityInfo, "Bootstrap")
	store.Log("second", interfaces.SeverityError, "WriteCertificate")
	store.Log("third", interfaces.SeverityWarning, "WriteCertificate")

	ctx := context.Background()
	all, err := store.Recent(ctx, interfaces.SeverityDebug, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Message, "newest first")
	assert.Equal(t, "WriteCertificate", all[0].Source)
	assert.Equal(t, base.Add(3*time.Second), all[0].Timestamp)

	warnings, err := store.Recent(ctx, interfaces.SeverityWarning, 10)
	require.NoError(t, err)
	require.Len(t, warnings, 2)

	limited, err := store.Recent(ctx, interfaces.SeverityDebug, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	removed, err := store.Prune(ctx, base.Add(2*time.Second+time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	// migrations are idempotent
	require.NoError(t, store.Migrate(ctx))
}
