package models

// Signal is one connectivity-health observation from the primary transport.
type Signal int

const (
	SignalHealthy Signal = iota
	SignalNoCredentials
	SignalIPLost
	SignalAuthExpired
	SignalAuthFailed
	SignalNoAccessPoint
	SignalHandshakeTimeout
	SignalAssociationExpired
	SignalBeaconTimeout
	SignalDisconnected
)

// Canonical short codes, kept small and stable for logs and clients.
var signalNames = [...]string{
	SignalHealthy:            "NONE",
	SignalNoCredentials:      "NO_CREDS",
	SignalIPLost:             "IP_LOST",
	SignalAuthExpired:        "AUTH_EXPIRE",
	SignalAuthFailed:         "AUTH_FAIL",
	SignalNoAccessPoint:      "NO_AP",
	SignalHandshakeTimeout:   "4WAY_TIMEOUT",
	SignalAssociationExpired: "ASSOC_EXPIRE",
	SignalBeaconTimeout:      "BEACON_TO",
	SignalDisconnected:       "DISCONNECTED",
}

func (s Signal) String() string {
	if s >= 0 && int(s) < len(signalNames) {
		return signalNames[s]
	}
	return "UNKNOWN"
}

// Healthy reports whether the signal clears the failure streak.
func (s Signal) Healthy() bool { return s == SignalHealthy }

// Valid reports whether s belongs to the closed classification set.
func (s Signal) Valid() bool { return s >= 0 && int(s) < len(signalNames) }
