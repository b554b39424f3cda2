// Package logging provides leveled logging for the preview server.
//
// The level is taken from the LOG_LEVEL environment variable (debug, info,
// warn, error) or forced to debug with DEBUG=true. All other packages log
// through this package so the level is applied consistently.
package logging
