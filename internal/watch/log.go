package watch

import "github.com/btcsuite/btclog"

// log is the WTCH subsystem logger.
var log = btclog.Disabled

// UseLogger sets the package logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
