package placement

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// log is the package logger. It is disabled by default; the daemon installs
// a real logger via UseLogger during startup.
var log = btclog.Disabled

// UseLogger replaces the package logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
