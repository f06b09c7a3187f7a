package connmgr

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/tunnelmesh/peerconn/pkg/identity"
	"github.com/tunnelmesh/peerconn/pkg/proto"
)

// onPeerMessage handles one value arriving on this device's rendezvous
// key: an encrypted offer or answer. Undecodable values are ignored; the
// listener stays installed for the manager's lifetime.
func (m *ConnectionManager) onPeerMessage(value []byte) bool {
	if m.isShutdown() {
		return false
	}

	payload, sender, err := m.cfg.ID.OpenEnvelope(value)
	if err != nil {
		m.log.Debug().Err(err).Msg("discarding undecipherable dht value")
		return true
	}
	req, err := proto.UnmarshalRequest(payload)
	if err != nil {
		m.log.Debug().Err(err).Msg("discarding malformed connection request")
		return true
	}

	device := identity.DeviceIDOf(sender)
	if device == m.deviceID {
		return true
	}

	if req.IsAnswer {
		m.handleAnswer(device, req)
	} else {
		go m.handleOffer(sender, req)
	}
	return true
}

// handleAnswer routes an answer to the pending context it belongs to,
// matched by request id.
func (m *ConnectionManager) handleAnswer(device identity.DeviceID, req *proto.PeerConnectionRequest) {
	m.mu.Lock()
	var pc *pendingContext
	for _, candidate := range m.connecting[device] {
		if candidate.requestID == req.ID && !candidate.isYielded() {
			pc = candidate
			break
		}
	}
	m.mu.Unlock()
	if pc == nil {
		m.log.Debug().Str("peer", shortDevice(device)).Uint64("id", req.ID).Msg("answer without matching request")
		return
	}

	sdp, err := proto.UnmarshalSDP(req.IceMsg)
	if err != nil {
		m.log.Debug().Err(err).Msg("discarding malformed answer sdp")
		return
	}
	select {
	case pc.answerCh <- sdp:
	default:
		// A duplicate answer; the first one won.
	}
}

// handleOffer runs the responder side of a negotiation. Offers for the
// same device are handled one at a time so the gating callbacks never run
// concurrently for one peer.
func (m *ConnectionManager) handleOffer(sender *x509.Certificate, req *proto.PeerConnectionRequest) {
	device := identity.DeviceIDOf(sender)
	lk := m.peerLock(device)
	lk.Lock()
	defer lk.Unlock()

	if m.isShutdown() {
		return
	}
	m.cfg.CertStore.Pin(sender)
	log := m.log.With().Str("peer", shortDevice(device)).Uint64("id", req.ID).Logger()

	// Push-style offers go through the wakeup callback first; true means
	// the application handles the reconnection itself.
	if req.ConnType != "" {
		m.cbMu.Lock()
		iosCb := m.onIOSConnected
		m.cbMu.Unlock()
		if iosCb != nil && iosCb(req.ConnType, device) {
			log.Debug().Str("conn_type", req.ConnType).Msg("offer handled by wakeup callback")
			return
		}
	}

	m.cbMu.Lock()
	gate := m.onICERequest
	m.cbMu.Unlock()
	if gate != nil && !gate(device) {
		log.Debug().Msg("inbound offer declined by ice-request callback")
		return
	}

	// Simultaneous open: when an outbound offer to the same device is in
	// flight, the lower device id keeps its offer. If that is us, drop
	// the inbound offer; our peer will yield and answer ours. Otherwise
	// abandon the local offer and serve the inbound one, adopting its
	// waiters once the socket is up.
	m.mu.Lock()
	if pc := m.nonForcedPendingLocked(device); pc != nil && !pc.isYielded() {
		if m.deviceID.Less(device) {
			m.mu.Unlock()
			log.Debug().Msg("simultaneous open, keeping local offer")
			return
		}
		m.mu.Unlock()
		log.Debug().Msg("simultaneous open, yielding to inbound offer")
		pc.yield()
	} else {
		m.mu.Unlock()
	}

	remote, err := proto.UnmarshalSDP(req.IceMsg)
	if err != nil {
		log.Debug().Err(err).Msg("discarding malformed offer sdp")
		return
	}

	m.metrics.NegotiationsStarted.Inc()

	gatherCtx, cancel := context.WithTimeout(context.Background(), m.cfg.IceTimeout)
	link, err := m.linker.NewLink(gatherCtx, LinkOptions{
		Initiator: false,
		Expected:  device,
		Ice:       m.IceOptions(false),
	})
	cancel()
	if err != nil {
		log.Debug().Err(err).Msg("responder ice init failed")
		m.metrics.NegotiationsFailed.WithLabelValues(failReason(ErrIceFailed)).Inc()
		return
	}

	localSDP, err := link.LocalSDP()
	if err != nil {
		link.Abort()
		log.Debug().Err(err).Msg("responder sdp failed")
		return
	}
	if err := m.publishAnswer(sender, req, localSDP); err != nil {
		link.Abort()
		log.Debug().Err(err).Msg("publishing answer failed")
		return
	}

	// Bound the whole responder establishment by the signaling window:
	// the initiator gives up after its own timeouts anyway.
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SignalingTimeout+m.cfg.IceTimeout)
	defer cancel()
	established, err := link.Establish(ctx, remote)
	if err != nil {
		log.Debug().Err(err).Msg("responder negotiation failed")
		m.metrics.NegotiationsFailed.WithLabelValues(failReason(err)).Inc()
		return
	}

	sock := m.installSocket(established, nil)
	log.Debug().Str("socket", sock.ID().String()[:8]).Msg("incoming socket established")
}

// publishAnswer seals the answering request to the offerer and puts it on
// the offerer's rendezvous key.
func (m *ConnectionManager) publishAnswer(sender *x509.Certificate, offer *proto.PeerConnectionRequest, sdp *proto.SDP) error {
	iceMsg, err := sdp.Marshal()
	if err != nil {
		return err
	}
	answer := &proto.PeerConnectionRequest{
		ID:       offer.ID,
		IceMsg:   iceMsg,
		IsAnswer: true,
		ConnType: offer.ConnType,
	}
	payload, err := answer.Marshal()
	if err != nil {
		return err
	}
	sealed, err := identity.SealEnvelope(m.cfg.ID, sender, payload)
	if err != nil {
		return err
	}
	key := proto.ListenKey(identity.InfoHashOf(sender))
	return m.putWithRetry(key, sealed)
}

// waitSettled is a test hook: blocks until no negotiation is pending for
// the device or the timeout passes.
func (m *ConnectionManager) waitSettled(device identity.DeviceID, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		pending := len(m.connecting[device])
		m.mu.Unlock()
		if pending == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
