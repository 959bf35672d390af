package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"unix path", "open journal /var/lib/killkrill/logs.0/00000001.seg: no space left", "open journal [PATH]: no space left"},
		{"windows path", `cannot read C:\killkrill\config.json`, "cannot read [PATH]"},
		{"redis url", "dial redis://cache.internal:6379/0 failed", "dial [URL] failed"},
		{"nats url", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"ipv4 and port", "dial tcp 10.1.2.3:9200: connection refused", "dial tcp [IP][PORT]: connection refused"},
		{"bare port", "listen udp :5140: address in use", "listen udp [PORT]: address in use"},
		{"password", "auth failed with password:hunter2", "auth failed with password=[REDACTED]"},
		{"api key", "elasticsearch rejected api_key=abc123, retrying", "elasticsearch rejected api_key=[REDACTED], retrying"},
		{"mixed", "POST https://10.0.0.5:8443/_bulk with token=xyz", "POST [URL] with token=[REDACTED]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input))
		})
	}
}

func TestWithSubStatus_DoesNotAlias(t *testing.T) {
	parent := NewHealthy("killkrill", "").WithSubStatus(NewHealthy("stream:logs", "ok"))
	grown := parent.WithSubStatus(NewUnhealthy("sinks", "down"))

	assert.Len(t, parent.SubStatuses, 1)
	assert.Len(t, grown.SubStatuses, 2)

	parent.SubStatuses[0].Status = StateDegraded
	assert.Equal(t, StateHealthy, grown.SubStatuses[0].Status)
}
