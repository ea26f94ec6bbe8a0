// Package ble decodes Xiaomi BLE service-data advertisements (MiBeacon).
//
// Frames arrive indirectly: a multimode gateway sniffs advertisements from
// nearby sensors and relays them as _async.ble_event reports over MQTT.
// This package turns the raw service-data blob into a typed event: the
// object id (etype), the sender MAC and the object payload, with well-known
// etypes decoded to engineering units (temperature, humidity, contact...).
//
// Mesh frames are discarded. Encrypted frames (MiBeacon v4/v5) need the
// operator to register the device's bindkey; without one the frame is
// dropped with a warning rather than failing the stream.
package ble
