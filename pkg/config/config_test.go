package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-link/rdt/pkg/config"
	"github.com/kestrel-link/rdt/pkg/rdt"
)

const sampleINI = `
[engine]
ack_timeout_ms = 150
max_retry = 3
queue_depth = 8
max_block_size_3 = 8192

[param.20]
name = firmware_version
read_only = true

[param.21]
name = wifi_ssid
`

func TestLoadBytesAppliesEngineOverrides(t *testing.T) {
	f, err := config.LoadBytes([]byte(sampleINI))
	require.NoError(t, err)

	assert.Equal(t, 150*time.Millisecond, f.Engine.AckTimeout)
	assert.Equal(t, 3, f.Engine.MaxRetry)
	assert.Equal(t, 8, f.Engine.QueueDepth)
	assert.Equal(t, 8192, f.Engine.MaxBlockSize[3])
}

func TestLoadBytesMissingSectionFallsBackToDefaults(t *testing.T) {
	f, err := config.LoadBytes([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, rdt.DefaultConfig(), f.Engine)
}

func TestLoadBytesParsesParamMetadata(t *testing.T) {
	f, err := config.LoadBytes([]byte(sampleINI))
	require.NoError(t, err)
	require.Len(t, f.Params, 2)

	byType := map[uint8]config.ParamMeta{}
	for _, p := range f.Params {
		byType[p.MessageType] = p
	}
	assert.Equal(t, "firmware_version", byType[20].Name)
	assert.True(t, byType[20].ReadOnly)
	assert.Equal(t, "wifi_ssid", byType[21].Name)
	assert.False(t, byType[21].ReadOnly)
}

func TestLoadRejectsNonNumericMessageType(t *testing.T) {
	_, err := config.LoadBytes([]byte("[param.notanumber]\nname = x\n"))
	require.Error(t, err)
}
