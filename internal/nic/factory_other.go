//go:build !linux

package nic

// OpenPort returns a LoopbackPort; raw AF_PACKET sockets are Linux-only,
// so naming a real interface on other platforms is an error.
func OpenPort(ifaceName string, _, loopbackQueueDepth int) (Port, error) {
	if ifaceName != "" {
		return nil, ErrRawSocketUnsupported
	}
	return NewLoopbackPort(loopbackQueueDepth), nil
}
