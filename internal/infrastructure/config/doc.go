// Package config loads and validates the Homeport YAML configuration.
//
// Configuration is intentionally small: a data directory, database and
// template paths derived from it, admin API settings, optional InfluxDB
// event history, and logging. Per-bridge HomeKit settings (pin, port,
// identity) live in the database, not in this file.
package config
