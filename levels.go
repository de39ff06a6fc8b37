package chainlog

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Level is an ordered log severity. Higher values are more severe.
type Level int

// Severity levels. The numeric gaps leave room for custom levels.
//
// Never sits above every standard level: records logged at Never are not
// subject to any logger's level threshold and always pass sampling. It is
// meant for the handful of messages that must come out no matter what
// (startup banners, audit markers).
const (
	NotSet   Level = 0
	Debug    Level = 10
	Info     Level = 20
	Warn     Level = 30
	Error    Level = 40
	Critical Level = 50
	Never    Level = 150
)

// ErrUnknownLevel is returned by ParseLevel for unrecognized level names.
var ErrUnknownLevel = errors.New("unknown log level")

var levelNames = map[Level]string{
	NotSet:   "NOTSET",
	Debug:    "DEBUG",
	Info:     "INFO",
	Warn:     "WARNING",
	Error:    "ERROR",
	Critical: "CRITICAL",
	Never:    "NEVER",
}

var nameToLevel = map[string]Level{
	"NOTSET":   NotSet,
	"DEBUG":    Debug,
	"INFO":     Info,
	"WARNING":  Warn,
	"WARN":     Warn,
	"ERROR":    Error,
	"CRITICAL": Critical,
	"NEVER":    Never,
}

// String returns the canonical upper-case name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts a level name to a Level. Matching is case-insensitive
// and accepts both "WARN" and "WARNING".
func ParseLevel(name string) (Level, error) {
	if level, ok := nameToLevel[strings.ToUpper(name)]; ok {
		return level, nil
	}
	return NotSet, errors.Wrap(ErrUnknownLevel, name)
}
