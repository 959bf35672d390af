// Package syslog parses RFC 3164 (BSD) and RFC 5424 syslog frames.
package syslog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
)

// Format is the syslog dialect a frame was parsed as.
type Format string

// Formats
const (
	RFC3164 Format = "rfc3164"
	RFC5424 Format = "rfc5424"
)

// MaxPriority is the largest valid PRI value (facility 23, severity 7).
const MaxPriority = 191

var facilityNames = [...]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

var severityNames = [...]string{
	"emergency", "alert", "critical", "error", "warning", "notice", "informational", "debug",
}

// FacilityName returns the keyword for a facility code.
func FacilityName(facility int) string {
	if facility < 0 || facility >= len(facilityNames) {
		return "unknown"
	}
	return facilityNames[facility]
}

// SeverityName returns the keyword for a severity code.
func SeverityName(severity int) string {
	if severity < 0 || severity >= len(severityNames) {
		return "unknown"
	}
	return severityNames[severity]
}

// Message is one parsed syslog frame. Nil RFC 5424 fields ("-") are empty.
type Message struct {
	Format         Format
	Priority       int
	Facility       int
	Severity       int
	Timestamp      time.Time
	Hostname       string
	AppName        string
	ProcID         string
	MsgID          string
	StructuredData string
	Message        string
	Raw            string
}

// Split returns the non-empty newline-separated frames of a datagram.
func Split(datagram []byte) [][]byte {
	var frames [][]byte
	for _, line := range bytes.Split(datagram, []byte{'\n'}) {
		line = bytes.TrimRight(line, "\r\x00")
		if len(bytes.TrimSpace(line)) > 0 {
			frames = append(frames, line)
		}
	}
	return frames
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: syslog %s", errors.ErrParsingFailed, fmt.Sprintf(format, args...))
}

// Parse parses one frame. received resolves RFC 3164 timestamps, which carry
// no year, and stands in for missing timestamps.
func Parse(frame []byte, received time.Time) (Message, error) {
	received = received.UTC()
	s := string(frame)
	pri, rest, err := parsePriority(s)
	if err != nil {
		return Message{}, err
	}
	m := Message{Priority: pri, Facility: pri >> 3, Severity: pri & 7, Raw: s}

	if strings.HasPrefix(rest, "1 ") {
		m.Format = RFC5424
		err = parse5424(&m, rest[2:], received)
	} else {
		m.Format = RFC3164
		parse3164(&m, rest, received)
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func parsePriority(s string) (int, string, error) {
	if len(s) < 3 || s[0] != '<' {
		return 0, "", malformed("frame must start with <PRI>")
	}
	end := strings.IndexByte(s, '>')
	if end < 2 || end > 4 {
		return 0, "", malformed("PRI must be 1-3 digits")
	}
	digits := s[1:end]
	if len(digits) > 1 && digits[0] == '0' {
		return 0, "", malformed("PRI %q has a leading zero", digits)
	}
	pri, err := strconv.Atoi(digits)
	if err != nil || pri < 0 || pri > MaxPriority {
		return 0, "", malformed("PRI %q out of range 0..%d", digits, MaxPriority)
	}
	return pri, s[end+1:], nil
}

// parse3164 never fails: anything after PRI that does not fit the header is
// kept as the message.
func parse3164(m *Message, rest string, received time.Time) {
	m.Timestamp = received
	if ts, ok := parse3164Time(rest, received); ok {
		m.Timestamp = ts
		rest = strings.TrimLeft(rest[len(time.Stamp):], " ")
		if host, after, ok := strings.Cut(rest, " "); ok && host != "" && !strings.HasSuffix(host, ":") {
			m.Hostname = host
			rest = after
		}
	}

	// TAG[pid]: MSG
	if i := strings.Index(rest, ": "); i > 0 && i <= 48 && !strings.ContainsAny(rest[:i], " ") {
		tag := rest[:i]
		if open := strings.IndexByte(tag, '['); open > 0 && strings.HasSuffix(tag, "]") {
			m.ProcID = tag[open+1 : len(tag)-1]
			tag = tag[:open]
		}
		m.AppName = tag
		rest = rest[i+2:]
	}
	m.Message = strings.TrimSpace(rest)
}

func parse3164Time(s string, received time.Time) (time.Time, bool) {
	if len(s) < len(time.Stamp) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.Stamp, s[:len(time.Stamp)])
	if err != nil {
		return time.Time{}, false
	}
	ts := time.Date(received.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	// December messages received in January belong to the previous year.
	if ts.Sub(received) > 24*time.Hour {
		ts = ts.AddDate(-1, 0, 0)
	}
	return ts, true
}

// parse5424 parses "TIMESTAMP HOST APP PROCID MSGID SD [MSG]".
func parse5424(m *Message, rest string, received time.Time) error {
	fields := make([]string, 0, 5)
	for len(fields) < 5 {
		field, after, ok := strings.Cut(rest, " ")
		if field == "" {
			return malformed("RFC 5424 header has %d of 6 fields", len(fields)+1)
		}
		fields = append(fields, field)
		rest = after
		if !ok {
			rest = ""
			if len(fields) < 5 {
				return malformed("RFC 5424 header has %d of 6 fields", len(fields)+1)
			}
		}
	}

	if fields[0] == "-" {
		m.Timestamp = received
	} else {
		ts, err := time.Parse(time.RFC3339Nano, fields[0])
		if err != nil {
			return malformed("timestamp %q", fields[0])
		}
		m.Timestamp = ts.UTC()
	}
	m.Hostname = nilValue(fields[1])
	m.AppName = nilValue(fields[2])
	m.ProcID = nilValue(fields[3])
	m.MsgID = nilValue(fields[4])

	sd, msg, err := splitStructuredData(rest)
	if err != nil {
		return err
	}
	m.StructuredData = nilValue(sd)
	m.Message = strings.TrimSpace(strings.TrimPrefix(msg, "\ufeff"))
	return nil
}

func nilValue(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// splitStructuredData separates "-" or one or more [SD-ELEMENT]s from the
// message that follows.
func splitStructuredData(s string) (string, string, error) {
	if s == "" {
		return "", "", malformed("missing STRUCTURED-DATA")
	}
	if s[0] == '-' {
		if len(s) > 1 && s[1] != ' ' {
			return "", "", malformed("STRUCTURED-DATA must be - or [...]")
		}
		return "-", strings.TrimPrefix(s[1:], " "), nil
	}
	if s[0] != '[' {
		return "", "", malformed("STRUCTURED-DATA must be - or [...]")
	}

	i := 0
	for i < len(s) && s[i] == '[' {
		inQuote := false
		j := i + 1
		for ; j < len(s); j++ {
			c := s[j]
			if c == '\\' && inQuote {
				j++
				continue
			}
			if c == '"' {
				inQuote = !inQuote
				continue
			}
			if c == ']' && !inQuote {
				break
			}
		}
		if j >= len(s) {
			return "", "", malformed("unterminated STRUCTURED-DATA element")
		}
		i = j + 1
	}
	return s[:i], strings.TrimPrefix(s[i:], " "), nil
}

// Event converts the message to a log event. The service is the app name,
// falling back to the hostname.
func (m Message) Event(sourceIP string) event.Event {
	service := m.AppName
	if service == "" {
		service = m.Hostname
	}
	service = sanitizeService(service)
	var labels map[string]string
	if m.ProcID != "" || m.MsgID != "" || m.StructuredData != "" {
		labels = make(map[string]string, 3)
		if m.ProcID != "" {
			labels["procid"] = m.ProcID
		}
		if m.MsgID != "" {
			labels["msgid"] = m.MsgID
		}
		if m.StructuredData != "" {
			labels["structured_data"] = truncate(m.StructuredData, event.MaxLabelValueLen)
		}
	}
	return event.NewLog(event.LogEvent{
		Timestamp: m.Timestamp,
		Service:   service,
		Level:     event.LevelFromSeverity(m.Severity),
		Message:   truncate(m.Message, event.MaxMessageLen),
		Labels:    labels,
		Host:      m.Hostname,
		Logger:    m.AppName,
		Facility:  FacilityName(m.Facility),
		SourceIP:  sourceIP,
		Protocol:  event.ProtocolSyslog,
		Tags:      []string{string(m.Format), SeverityName(m.Severity)},
		Raw:       truncate(m.Raw, event.MaxRawLen),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

// sanitizeService maps a tag or hostname onto the service charset
// [A-Za-z0-9_.-].
func sanitizeService(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "syslog"
	}
	return truncate(s, event.MaxServiceLen)
}
