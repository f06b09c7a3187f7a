package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var candidateLines = []string{
	"candidate:0 1 udp 2130706431 192.168.1.5 53634 typ host",
	"candidate:1 1 udp 1694498815 203.0.113.9 53634 typ srflx raddr 192.168.1.5 rport 53634",
	"candidate:2 1 udp 16777215 198.51.100.20 49152 typ relay raddr 203.0.113.9 rport 53634",
}

func TestParseCandidate_RoundTrip(t *testing.T) {
	for _, line := range candidateLines {
		t.Run(line, func(t *testing.T) {
			c, err := ParseCandidate(line)
			require.NoError(t, err)
			// Serializing the parsed candidate and reparsing must hit a
			// fixed point: same address, port, type and priority.
			again, err := ParseCandidate(c.Marshal())
			require.NoError(t, err)
			assert.Equal(t, c.Address(), again.Address())
			assert.Equal(t, c.Port(), again.Port())
			assert.Equal(t, c.Type(), again.Type())
			assert.Equal(t, c.Priority(), again.Priority())
		})
	}
}

func TestParseCandidates_ListRoundTrip(t *testing.T) {
	cands, err := ParseCandidates(candidateLines)
	require.NoError(t, err)
	require.Len(t, cands, len(candidateLines))

	lines := MarshalCandidates(cands)
	again, err := ParseCandidates(lines)
	require.NoError(t, err)
	assert.Equal(t, MarshalCandidates(again), lines)
}

func TestParseCandidate_Invalid(t *testing.T) {
	tests := []string{
		"",
		"not a candidate",
		"candidate:0 1 frobnicate 1 1.2.3.4 1 typ host",
	}
	for _, line := range tests {
		_, err := ParseCandidate(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestParseCandidates_RejectsWholeListOnBadLine(t *testing.T) {
	lines := append(append([]string(nil), candidateLines...), "garbage")
	_, err := ParseCandidates(lines)
	assert.Error(t, err)
}

func TestOptions_ServerURLs(t *testing.T) {
	opts := Options{
		StunEnabled:  true,
		StunServer:   "stun.example.org:3478",
		TurnEnabled:  true,
		TurnServer:   "turn.example.org:3478",
		TurnUsername: "user",
		TurnPassword: "pass",
	}
	urls, err := opts.serverURLs()
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Equal(t, "stun.example.org", urls[0].Host)
	assert.Equal(t, "turn.example.org", urls[1].Host)
	assert.Equal(t, "user", urls[1].Username)
	assert.Equal(t, "pass", urls[1].Password)
}

func TestOptions_ServerURLs_Disabled(t *testing.T) {
	urls, err := Options{StunServer: "stun.example.org:3478"}.serverURLs()
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestOptions_NetworkTypes(t *testing.T) {
	assert.Len(t, Options{}.networkTypes(), 2)
	assert.Len(t, Options{TCPEnabled: true}.networkTypes(), 4)
}

func TestEnsureScheme(t *testing.T) {
	assert.Equal(t, "stun:host:3478", ensureScheme("stun", "host:3478"))
	assert.Equal(t, "stun:host:3478", ensureScheme("stun", "stun:host:3478"))
	assert.Equal(t, "turn:host:3478", ensureScheme("turn", "host:3478"))
}
