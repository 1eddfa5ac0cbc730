package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/tado-community/tado-governor/internal/optimistic"
	"github.com/tado-community/tado-governor/internal/poller"
)

// trackParsers maps the default tracks to response parsers. Tracks without an
// entry store their whole response under a scope named after the track.
func trackParsers() map[string]poller.ParseFunc {
	return map[string]poller.ParseFunc{
		"zones":    parseZoneStates,
		"presence": parsePresence,
		"devices":  parseDevices,
	}
}

// parseZoneStates fans the bulk zone state response out into one scope per
// zone.
func parseZoneStates(body []byte) (map[optimistic.Scope]map[string]any, error) {
	var payload struct {
		ZoneStates map[string]map[string]any `json:"zoneStates"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse zone states: %w", err)
	}
	scopes := make(map[optimistic.Scope]map[string]any, len(payload.ZoneStates))
	for id, fields := range payload.ZoneStates {
		scopes[optimistic.Scope("zone:"+id)] = fields
	}
	return scopes, nil
}

// parsePresence stores the home state under the "home" scope.
func parsePresence(body []byte) (map[optimistic.Scope]map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("parse home state: %w", err)
	}
	return map[optimistic.Scope]map[string]any{"home": fields}, nil
}

// parseDevices fans the device list out into one scope per serial number.
func parseDevices(body []byte) (map[optimistic.Scope]map[string]any, error) {
	var devices []map[string]any
	if err := json.Unmarshal(body, &devices); err != nil {
		return nil, fmt.Errorf("parse devices: %w", err)
	}
	scopes := make(map[optimistic.Scope]map[string]any, len(devices))
	for _, device := range devices {
		serial, ok := device["serialNo"].(string)
		if !ok {
			continue
		}
		scopes[optimistic.Scope("device:"+serial)] = device
	}
	return scopes, nil
}
