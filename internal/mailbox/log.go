package mailbox

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// log is the package logger, disabled until the daemon installs a real one.
var log = btclog.Disabled

// UseLogger replaces the package logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
