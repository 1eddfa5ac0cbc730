package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tado-community/tado-governor/internal/optimistic"
)

func TestParseZoneStates(t *testing.T) {
	body := []byte(`{"zoneStates":{"1":{"setting":{"power":"ON"},"insideTemperature":18.5},"2":{"setting":{"power":"OFF"}}}}`)

	scopes, err := parseZoneStates(body)
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, 18.5, scopes["zone:1"]["insideTemperature"])
	assert.Contains(t, scopes, optimistic.Scope("zone:2"))

	_, err = parseZoneStates([]byte(`not json`))
	assert.Error(t, err)
}

func TestParsePresence(t *testing.T) {
	scopes, err := parsePresence([]byte(`{"presence":"AWAY","presenceLocked":true}`))
	require.NoError(t, err)
	assert.Equal(t, "AWAY", scopes["home"]["presence"])
}

func TestParseDevices(t *testing.T) {
	body := []byte(`[{"serialNo":"RU123","batteryState":"NORMAL"},{"batteryState":"LOW"}]`)

	scopes, err := parseDevices(body)
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	assert.Equal(t, "NORMAL", scopes["device:RU123"]["batteryState"])
}
