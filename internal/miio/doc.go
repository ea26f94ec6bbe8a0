// Package miio implements the Mi-Home device protocols.
//
// Two transports carry the same JSON-RPC dialect:
//
//   - Stamped UDP (port 54321): a 32-byte header frames an AES-128-CBC
//     encrypted JSON body. A hello exchange yields the device id and its
//     local clock stamp; every later request carries a drift-corrected
//     stamp because devices treat stale stamps as replays.
//   - MQTT via a gateway's embedded broker: requests go to miio/command,
//     results arrive on miio/command_ack, and the gateway pushes child
//     device reports unsolicited on central/report.
//
// Responses on both transports are correlated with requests purely by the
// numeric JSON id. Inbound traffic fans out through a broadcast hub; a
// request subscribes, sends, and waits for the first message carrying its
// id or a timeout. Per-request reply channels are deliberately avoided so
// a timed-out request leaks nothing.
package miio
