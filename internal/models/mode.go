package models

// Mode is the coordinator state. It lives in memory only and is rebuilt on every boot.
type Mode int32

const (
	ModeStartup Mode = iota
	ModeWaitControl
	ModeNormal
	ModeRecovery
)

func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "STARTUP"
	case ModeWaitControl:
		return "WAIT_CONTROL"
	case ModeNormal:
		return "NORMAL"
	case ModeRecovery:
		return "RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets modes render as names in JSON payloads.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
