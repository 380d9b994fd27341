package relay

import (
	"slices"

	"github.com/edup2p/relaymesh/types/key"
)

// PacketForwarder carries packets for a client that is homed on another relay server.
type PacketForwarder interface {
	ForwardPacket(src, dst key.NodePublic, data []byte) error
}

// PacketForwarderHandler is where mesh connections install and withdraw their routes.
//
// Implementations must be safe for concurrent use; every mesh connection holds the same handler.
type PacketForwarderHandler interface {
	AddPacketForwarder(dst key.NodePublic, fwd PacketForwarder)
	RemovePacketForwarder(dst key.NodePublic, fwd PacketForwarder)
}

var _ PacketForwarderHandler = (*Server)(nil)

// AddPacketForwarder registers fwd as a route to dst.
//
// Several forwarders can be registered for the same peer, when it is seen through more than
// one mesh peer; the first one registered is used until it is removed.
func (s *Server) AddPacketForwarder(dst key.NodePublic, fwd PacketForwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fwds := s.forwarders[dst]
	if slices.Contains(fwds, fwd) {
		return
	}

	s.forwarders[dst] = append(fwds, fwd)
	s.metrics.Forwarders.Inc()
}

// RemovePacketForwarder removes fwd as a route to dst, if it was registered.
func (s *Server) RemovePacketForwarder(dst key.NodePublic, fwd PacketForwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fwds := s.forwarders[dst]
	i := slices.Index(fwds, fwd)
	if i == -1 {
		return
	}

	fwds = slices.Delete(fwds, i, i+1)
	if len(fwds) == 0 {
		delete(s.forwarders, dst)
	} else {
		s.forwarders[dst] = fwds
	}
	s.metrics.Forwarders.Dec()
}

func (s *Server) getForwarder(dst key.NodePublic) PacketForwarder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fwds := s.forwarders[dst]; len(fwds) > 0 {
		return fwds[0]
	}
	return nil
}
