//go:build linux

package nic

// OpenPort opens a raw AF_PACKET port bound to ifaceName, or an
// in-process LoopbackPort if ifaceName is empty (no interface named,
// e.g. running without CAP_NET_RAW).
func OpenPort(ifaceName string, numQueues, loopbackQueueDepth int) (Port, error) {
	if ifaceName == "" {
		return NewLoopbackPort(loopbackQueueDepth), nil
	}
	return OpenRawSocketPort(ifaceName, numQueues)
}
