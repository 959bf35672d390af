package syslog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
)

var received = time.Date(2026, 10, 12, 8, 30, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Message
	}{
		{
			name:  "rfc3164",
			frame: "<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8",
			want: Message{
				Format: RFC3164, Priority: 34, Facility: 4, Severity: 2,
				Timestamp: time.Date(2026, 10, 11, 22, 14, 15, 0, time.UTC),
				Hostname:  "mymachine", AppName: "su",
				Message: "'su root' failed for lonvick on /dev/pts/8",
			},
		},
		{
			name:  "rfc3164 with pid and padded day",
			frame: "<86>Oct  5 06:25:01 web-1 CRON[4242]: pam_unix(cron:session): session opened",
			want: Message{
				Format: RFC3164, Priority: 86, Facility: 10, Severity: 6,
				Timestamp: time.Date(2026, 10, 5, 6, 25, 1, 0, time.UTC),
				Hostname:  "web-1", AppName: "CRON", ProcID: "4242",
				Message: "pam_unix(cron:session): session opened",
			},
		},
		{
			name:  "rfc3164 without header",
			frame: "<13>just some text",
			want: Message{
				Format: RFC3164, Priority: 13, Facility: 1, Severity: 5,
				Timestamp: received, Message: "just some text",
			},
		},
		{
			name:  "rfc3164 without hostname",
			frame: "<14>Oct 12 08:00:00 app[7]: started",
			want: Message{
				Format: RFC3164, Priority: 14, Facility: 1, Severity: 6,
				Timestamp: time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC),
				AppName:   "app", ProcID: "7", Message: "started",
			},
		},
		{
			name:  "rfc5424 with structured data",
			frame: `<165>1 2003-10-11T22:14:15.003Z mymachine.example.com evntslog - ID47 [exampleSDID@32473 iut="3" eventSource="Application" eventID="1011"] An application event log entry`,
			want: Message{
				Format: RFC5424, Priority: 165, Facility: 20, Severity: 5,
				Timestamp:      time.Date(2003, 10, 11, 22, 14, 15, 3_000_000, time.UTC),
				Hostname:       "mymachine.example.com",
				AppName:        "evntslog",
				MsgID:          "ID47",
				StructuredData: `[exampleSDID@32473 iut="3" eventSource="Application" eventID="1011"]`,
				Message:        "An application event log entry",
			},
		},
		{
			name:  "rfc5424 nil fields",
			frame: "<13>1 - - - - - -",
			want: Message{
				Format: RFC5424, Priority: 13, Facility: 1, Severity: 5,
				Timestamp: received,
			},
		},
		{
			name:  "rfc5424 escaped bracket in sd",
			frame: `<11>1 2026-10-12T08:00:00+02:00 h app 12 - [x@1 a="q\]z"][y@1] boom`,
			want: Message{
				Format: RFC5424, Priority: 11, Facility: 1, Severity: 3,
				Timestamp:      time.Date(2026, 10, 12, 6, 0, 0, 0, time.UTC),
				Hostname:       "h",
				AppName:        "app",
				ProcID:         "12",
				StructuredData: `[x@1 a="q\]z"][y@1]`,
				Message:        "boom",
			},
		},
		{
			name:  "rfc5424 bom",
			frame: "<14>1 - h app - - - \ufeffhello",
			want: Message{
				Format: RFC5424, Priority: 14, Facility: 1, Severity: 6,
				Timestamp: received, Hostname: "h", AppName: "app", Message: "hello",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.frame), received)
			require.NoError(t, err)
			tt.want.Raw = tt.frame
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_YearRollover(t *testing.T) {
	m, err := Parse([]byte("<13>Dec 31 23:59:59 host app: x"), time.Date(2027, 1, 1, 0, 0, 10, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2026, m.Timestamp.Year())
}

func TestParse_Malformed(t *testing.T) {
	frames := []string{
		"",
		"no pri at all",
		"<>empty",
		"<1a>bad digits",
		"<192>too large",
		"<013>leading zero",
		"<1234>too long",
		"<13",
		"<13>1 not-a-time host app - - - msg",
		"<13>1 - host app",
		"<13>1 - h a - - [x y=\"z msg",
		"<13>1 - h a - - nosd msg",
	}
	for _, f := range frames {
		t.Run(f, func(t *testing.T) {
			_, err := Parse([]byte(f), received)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrParsingFailed))
		})
	}
}

func TestSplit(t *testing.T) {
	frames := Split([]byte("<13>a\r\n\n<14>b\n  \n"))
	require.Len(t, frames, 2)
	assert.Equal(t, "<13>a", string(frames[0]))
	assert.Equal(t, "<14>b", string(frames[1]))
	assert.Empty(t, Split([]byte("\n\n")))
}

func TestMessage_Event(t *testing.T) {
	levels := map[int]event.Level{
		0: event.LevelError, 1: event.LevelError, 2: event.LevelError, 3: event.LevelError,
		4: event.LevelWarn, 5: event.LevelInfo, 6: event.LevelInfo, 7: event.LevelDebug,
	}
	for sev, want := range levels {
		m := Message{Severity: sev, AppName: "app", Message: "x", Timestamp: received}
		assert.Equal(t, want, m.Event("").Log.Level, "severity %d", sev)
	}

	m, err := Parse([]byte("<165>1 2026-10-12T08:00:00Z web-1 - 99 ID7 - payment failed"), received)
	require.NoError(t, err)
	ev := m.Event("10.0.0.7")
	require.Equal(t, event.KindLog, ev.Kind)
	assert.Equal(t, "web-1", ev.Log.Service)
	assert.Equal(t, "local4", ev.Log.Facility)
	assert.Equal(t, "10.0.0.7", ev.Log.SourceIP)
	assert.Equal(t, event.ProtocolSyslog, ev.Log.Protocol)
	assert.Equal(t, map[string]string{"procid": "99", "msgid": "ID7"}, ev.Log.Labels)
	assert.NoError(t, ev.Validate(received, event.DefaultLimits()))
}

func TestSanitizeService(t *testing.T) {
	assert.Equal(t, "my_app", sanitizeService("my app"))
	assert.Equal(t, "syslog", sanitizeService(""))
	assert.Equal(t, "kernel_foo", sanitizeService("kernel/foo"))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "local7", FacilityName(23))
	assert.Equal(t, "unknown", FacilityName(24))
	assert.Equal(t, "debug", SeverityName(7))
}
