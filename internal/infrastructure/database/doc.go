// Package database provides the SQLite connection and schema migrations
// backing the Homeport entity store.
//
// The store holds bridges, devices, accessories, services, characteristics
// and the Mi-Home source-platform records. SQLite is opened with a single
// connection (one writer), foreign keys on, and optional WAL mode.
// Migrations are embedded into the binary by the migrations package.
package database
