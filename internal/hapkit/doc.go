// Package hapkit turns persisted bridge/accessory/service/characteristic
// rows into live HAP servers. It builds the brutella accessory graph,
// wires every characteristic's read and write path through the delegate
// engine, persists pairing state into the entity store, and supervises one
// server task per enabled bridge.
package hapkit
