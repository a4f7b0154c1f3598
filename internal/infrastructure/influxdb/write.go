package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementDeviceState holds one point per state fragment update.
const MeasurementDeviceState = "device_state"

// WriteStateFragment records the numeric and boolean fields of a state
// fragment as one point tagged by device type, device id and publish path.
// Other values (strings, nested maps) are skipped.
//
// Returns the number of fields written; zero means no point was queued.
func (c *Client) WriteStateFragment(deviceType, deviceID, path string, state map[string]any, ts time.Time) int {
	if !c.IsConnected() {
		return 0
	}

	fields := telemetryFields(state)
	if len(fields) == 0 {
		return 0
	}

	point := write.NewPoint(
		MeasurementDeviceState,
		map[string]string{
			"device_type": deviceType,
			"device_id":   deviceID,
			"path":        path,
		},
		fields,
		ts,
	)
	c.writeAPI.WritePoint(point)

	return len(fields)
}

// telemetryFields keeps the values InfluxDB can store as numeric or
// boolean fields. JSON numbers are converted to float64.
func telemetryFields(state map[string]any) map[string]any {
	fields := make(map[string]any, len(state))
	for k, v := range state {
		switch val := v.(type) {
		case bool, float64, float32:
			fields[k] = val
		case int:
			fields[k] = int64(val)
		case int32:
			fields[k] = int64(val)
		case int64:
			fields[k] = val
		case uint:
			fields[k] = uint64(val)
		case uint64:
			fields[k] = val
		case json.Number:
			if f, err := val.Float64(); err == nil {
				fields[k] = f
			}
		}
	}
	return fields
}
