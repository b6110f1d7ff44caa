package build

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// Subsystem tags for the lattice daemon. Each package owning a logger
// registers itself under one of these tags so that log levels can be tuned
// per subsystem at runtime.
const (
	SubLattice   = "LTCE"
	SubRing      = "RING"
	SubPlacement = "PLCE"
	SubMember    = "MBER"
	SubTransport = "XPRT"
	SubSilo      = "SILO"
	SubDispatch  = "DSPT"
	SubState     = "STOR"
	SubOutbox    = "OBOX"
	SubInbox     = "IBOX"
	SubReminder  = "RMDR"
	SubDB        = "SQLT"
	SubMailbox   = "MBOX"
	SubDeadLtr   = "DLTR"
	SubSuper     = "SUPR"
)

// LogManager owns the root log handler and hands out per-subsystem loggers.
// Packages hold a package-level log variable initialized to a disabled
// logger; the daemon replaces them via each package's UseLogger function
// during startup.
type LogManager struct {
	// root is the handler all subsystem loggers derive from.
	root btclogv2.Handler

	// subLoggers tracks every logger handed out, keyed by subsystem tag.
	subLoggers map[string]btclogv2.Logger

	mu sync.Mutex
}

// NewLogManager creates a LogManager fanning out to the given handlers. With
// no handlers, a plain stdout handler is used.
func NewLogManager(handlers ...btclogv2.Handler) *LogManager {
	if len(handlers) == 0 {
		handlers = []btclogv2.Handler{
			btclogv2.NewDefaultHandler(os.Stdout),
		}
	}

	return &LogManager{
		root:       NewHandlerSet(handlers...),
		subLoggers: make(map[string]btclogv2.Logger),
	}
}

// Logger returns the logger for the given subsystem tag, creating it on
// first use.
func (m *LogManager) Logger(tag string) btclogv2.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.subLoggers[tag]; ok {
		return logger
	}

	logger := btclogv2.NewSLogger(m.root.SubSystem(tag))
	m.subLoggers[tag] = logger

	return logger
}

// SetLevel changes the log level of a single subsystem. Unknown tags are
// rejected so typos in configuration fail loudly.
func (m *LogManager) SetLevel(tag string, level btclog.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subLoggers[tag]; !ok {
		return fmt.Errorf("unknown log subsystem %q", tag)
	}

	m.subLoggers[tag].SetLevel(level)

	return nil
}

// SetLevels changes the log level of every registered subsystem.
func (m *LogManager) SetLevels(level btclog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.root.SetLevel(level)
	for _, logger := range m.subLoggers {
		logger.SetLevel(level)
	}
}

// SupportedSubsystems returns the sorted list of subsystem tags that have
// been handed out so far.
func (m *LogManager) SupportedSubsystems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags := make([]string, 0, len(m.subLoggers))
	for tag := range m.subLoggers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	return tags
}

// ParseLevel converts a level string such as "debug" or "trace" into a
// btclog level, defaulting to info for unrecognized values.
func ParseLevel(s string) btclog.Level {
	level, ok := btclog.LevelFromString(strings.ToLower(s))
	if !ok {
		return btclog.LevelInfo
	}

	return level
}
