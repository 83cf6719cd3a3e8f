package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("cycle finished", slog.Int("matched", 2))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "cycle finished", line["message"])
	require.Contains(t, line, "timestamp")
	require.EqualValues(t, 2, line["matched"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSetupWritesRotatingFile(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, closer := Setup(Options{Service: "xun-gatewayd", Env: "test", File: path})
	logger.Info("started")
	require.NoError(t, closer.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(contents), &line))
	require.Equal(t, "xun-gatewayd", line["service"])
	require.Equal(t, "test", line["env"])
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("webhook_secret", "s3cret").Value.String())
	require.Equal(t, "xuniMarket", MaskField("market_address", "xuniMarket").Value.String())
	require.Equal(t, "", MaskField("jwt_secret", "").Value.String())
	require.Contains(t, RedactionAllowlist(), "error")
}

func TestMaskDSN(t *testing.T) {
	require.Equal(t, "postgres://xun:xxxxx@db:5432/shop", MaskDSN("postgres://xun:hunter2@db:5432/shop"))
	require.Equal(t, RedactedValue, MaskDSN("host=db user=xun password=hunter2"))
	require.Equal(t, "file:xun.db", MaskDSN("file:xun.db"))
}
