// Package device hosts the source-platform device runtimes and their
// manager.
//
// A device runtime (Runner) owns one transport: a stamped-UDP client for
// Wi-Fi devices, an MQTT connection for multimode gateways, or nothing at
// all for gateway children (BLE, mesh) which ride their gateway's event
// stream. Each runner exposes a long-lived Run loop, a bounded broadcast
// Emitter for property events, and retry bookkeeping.
//
// The Manager installs runners for every enabled device row, children
// after their gateways, and supervises each one: when Run exits the
// supervisor sleeps the capped backoff and tries again, forever, until the
// stop signal fires. The single exception is an invalid device token,
// which is unrecoverable without operator action and parks the device.
package device
