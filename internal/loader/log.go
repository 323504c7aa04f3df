package loader

import "github.com/btcsuite/btclog"

// log is the LOAD subsystem logger.
var log = btclog.Disabled

// UseLogger sets the package logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
