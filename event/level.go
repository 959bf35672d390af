package event

import "strings"

// Level is a normalised, uppercase log level.
type Level string

// Log levels
const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Valid reports whether l is one of the four accepted levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// ParseLevel normalises a level name. Matching is case-insensitive and
// "warning" is accepted for WARN. Unknown names are returned uppercased with
// ok=false so validation can report them.
func ParseLevel(s string) (Level, bool) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l == "WARNING" {
		l = LevelWarn
	}
	return l, l.Valid()
}

// LevelFromSeverity maps a syslog severity (PRI mod 8) to a level.
// Emergency through error map to ERROR, warning to WARN, notice and
// informational to INFO, debug to DEBUG.
func LevelFromSeverity(severity int) Level {
	switch {
	case severity <= 3:
		return LevelError
	case severity == 4:
		return LevelWarn
	case severity <= 6:
		return LevelInfo
	default:
		return LevelDebug
	}
}

var facilityNames = [...]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

// FacilityName returns the conventional name for a syslog facility code.
func FacilityName(facility int) string {
	if facility < 0 || facility >= len(facilityNames) {
		return "unknown"
	}
	return facilityNames[facility]
}
