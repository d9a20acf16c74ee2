package domain

// ConnectionType is the kind of link the device is on
type ConnectionType string

const (
	ConnectionNone     ConnectionType = "none"
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionUnknown  ConnectionType = "unknown"
)

// Connectivity is a snapshot reported by the platform
type Connectivity struct {
	Online     bool           `json:"online"`
	Type       ConnectionType `json:"type"`
	Metered    bool           `json:"metered"`
	Roaming    bool           `json:"roaming"`
	BatteryLow bool           `json:"battery_low"`
}

// ConnectivityObservable reports connectivity changes
type ConnectivityObservable interface {
	// Current returns the latest known connectivity
	Current() Connectivity

	// Subscribe returns a channel of connectivity updates and a function
	// that ends the subscription
	Subscribe() (<-chan Connectivity, func())
}

// NetworkStatus combines platform connectivity with the manual offline flag
type NetworkStatus struct {
	IsOnline       bool           `json:"is_online"`
	ConnectionType ConnectionType `json:"connection_type"`
	IsMetered      bool           `json:"is_metered"`
	IsRoaming      bool           `json:"is_roaming"`
	BatteryLow     bool           `json:"battery_low"`
	OfflineMode    bool           `json:"offline_mode"`
}

// IsOnlineAllowed reports whether network work may proceed
func (s NetworkStatus) IsOnlineAllowed() bool {
	return s.IsOnline && !s.OfflineMode
}

// Constraints are declarative execution conditions. The executor delays work
// until they hold rather than failing it.
type Constraints struct {
	RequireNetwork       bool `json:"require_network"`
	AllowMetered         bool `json:"allow_metered"`
	RequireBatteryNotLow bool `json:"require_battery_not_low"`
}

// SatisfiedBy reports whether the constraints hold for a network status
func (c Constraints) SatisfiedBy(s NetworkStatus) bool {
	if c.RequireNetwork && !s.IsOnlineAllowed() {
		return false
	}
	if !c.AllowMetered && s.IsMetered {
		return false
	}
	if c.RequireBatteryNotLow && s.BatteryLow {
		return false
	}
	return true
}

// NetworkGate is the single source of truth for whether network work runs now
type NetworkGate interface {
	ShouldDeferNetworkWork() bool
}
