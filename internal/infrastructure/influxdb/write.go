package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteProperty records one MIoT property value for a device.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Tags carry the property address so Flux queries can filter by
// (did, siid, piid) without parsing fields.
//
// Example:
//
//	client.WriteProperty("123456789", 2, 1, 1.0) // light on
func (c *Client) WriteProperty(did string, siid, piid int, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"property",
		map[string]string{
			"did":  did,
			"siid": strconv.Itoa(siid),
			"piid": strconv.Itoa(piid),
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteBleEvent records one decoded BLE advertisement object.
//
// The etype tag is the Xiaomi MiBeacon object id (e.g. 4106 for battery)
// so dashboards can chart one object kind per device.
func (c *Client) WriteBleEvent(did string, etype uint16, value int64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"ble_event",
		map[string]string{
			"did":   did,
			"etype": strconv.Itoa(int(etype)),
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g. replayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
