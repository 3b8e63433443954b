package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenameBuiltinsMapsCollectorKeys(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: renameBuiltins})
	logger := slog.New(handler)
	logger.Warn("reserve low", "reason", "threshold")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "reserve low", line["message"])
	require.Equal(t, "WARN", line["severity"])
	require.Contains(t, line, "timestamp")
	require.NotContains(t, line, "msg")
	require.NotContains(t, line, "level")
}

func TestComponentTagsSubsystem(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	Component(base, "oracle").Info("feed polled")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "oracle", line["component"])
}

func TestMaskFieldRedactsUnlistedKeys(t *testing.T) {
	attr := MaskField("bearer_token", "secret")
	require.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("operation", "convert")
	require.Equal(t, "convert", attr.Value.String())

	require.True(t, IsAllowlisted("Component"))
	require.False(t, IsAllowlisted("token"))
	require.True(t, strings.HasPrefix(RedactedValue, "["))
}
