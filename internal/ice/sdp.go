package ice

import (
	"fmt"
	"strings"

	pionice "github.com/pion/ice/v2"

	"github.com/tunnelmesh/peerconn/pkg/proto"
)

// candidatePrefix is the SDP attribute prefix on a standard candidate
// line. The pion marshaller works on the bare value, so the prefix is
// stripped on parse and restored on serialize.
const candidatePrefix = "candidate:"

// ParseCandidate parses one standard ICE candidate text line, with or
// without the attribute prefix.
func ParseCandidate(line string) (pionice.Candidate, error) {
	c, err := pionice.UnmarshalCandidate(strings.TrimPrefix(line, candidatePrefix))
	if err != nil {
		return nil, fmt.Errorf("parse candidate %q: %w", line, err)
	}
	return c, nil
}

// marshalLine serializes one candidate as a standard candidate line.
func marshalLine(c pionice.Candidate) string {
	return candidatePrefix + c.Marshal()
}

// ParseCandidates parses a candidate list, rejecting the whole list on the
// first unparsable line. Used where the blob must round-trip exactly.
func ParseCandidates(lines []string) ([]pionice.Candidate, error) {
	out := make([]pionice.Candidate, 0, len(lines))
	for _, line := range lines {
		c, err := ParseCandidate(line)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// MarshalCandidates serializes candidates back to text lines.
func MarshalCandidates(cands []pionice.Candidate) []string {
	lines := make([]string, 0, len(cands))
	for _, c := range cands {
		lines = append(lines, marshalLine(c))
	}
	return lines
}

// LocalSDP assembles the transport's credentials and candidates into the
// wire blob exchanged over the DHT.
func (t *Transport) LocalSDP() (*proto.SDP, error) {
	attrs, err := t.LocalAttributes()
	if err != nil {
		return nil, err
	}
	cands, err := t.LocalCandidates()
	if err != nil {
		return nil, err
	}
	return &proto.SDP{Ufrag: attrs.Ufrag, Pwd: attrs.Pwd, Candidates: cands}, nil
}
