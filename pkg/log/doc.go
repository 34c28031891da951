// Package log provides the structured logger used across Conreg.
//
// A single package-level zerolog.Logger is configured once at startup via
// Init, from CLI flags. Call sites derive child loggers tagged with a
// component name via WithComponent, or with a node/namespace/config/
// service identifier via the other With* helpers, instead of interpolating
// identifiers into the message string.
package log
