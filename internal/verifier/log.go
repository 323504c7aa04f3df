package verifier

import "github.com/btcsuite/btclog"

// log is the VRFY subsystem logger. It is disabled until UseLogger is called.
var log = btclog.Disabled

// UseLogger sets the package logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
