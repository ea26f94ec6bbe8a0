// Package logging provides the structured logger used across Homeport.
//
// It is a thin wrapper over log/slog: level filtering, JSON or text output,
// and default service/version attributes. Packages that only need a logger
// accept their own minimal Logger interface so they remain testable without
// this package.
package logging
