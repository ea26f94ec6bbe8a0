// Package template loads declarative accessory templates from a TOML
// directory tree and applies them transactionally to the data model.
// Applying a template materializes a source device into device,
// accessory, service and characteristic rows; re-applying the same
// template to the same source refreshes the existing rows in place.
package template
