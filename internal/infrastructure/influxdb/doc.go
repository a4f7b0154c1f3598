// Package influxdb records device telemetry in InfluxDB.
//
// Every state fragment the router stores is also written as a point in
// the device_state measurement, tagged by device_type, device_id and path.
// Only numeric and boolean values become fields.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteStateFragment("HMA-1", "ABC", "data", fragment, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched (batch_size, flush_interval); async failures reach the
// SetOnError callback.
package influxdb
