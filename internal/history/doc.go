// Package history records device events into the optional InfluxDB
// event-history sink.
//
// The recorder subscribes to every installed device's event stream and
// writes one point per numeric property value and per decoded BLE
// advertisement object. Recording is best-effort: a missing or failed
// sink never affects device runtimes or HAP bridges.
package history
