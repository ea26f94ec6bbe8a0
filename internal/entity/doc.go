// Package entity defines the persisted data model of Homeport and its
// SQLite repositories.
//
// The entities mirror the HomeKit projection: a Bridge is one HAP server
// identity; Accessories, Services and Characteristics form its accessory
// database; Devices are source-platform endpoints (Mi-Home over UDP, an
// MQTT gateway, BLE children behind a gateway, ...) that accessories read
// from and write to. MiDevice rows carry the vendor's own records (did,
// token, model) consumed when constructing device runtimes.
//
// Identity invariants live here: bridge pins must avoid the trivial set,
// MACs and ports are unique, the pairing status flag only regresses through
// an explicit reset, and accessory ids start at 2 because aid 1 belongs to
// the built-in bridge information accessory.
package entity
