package feed

type ChannelState int

const (
	StateUnregistered ChannelState = iota
	StateRegistered
	StateConnecting
	StateOpen
	StateClosing
	StateReconnectScheduled
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
