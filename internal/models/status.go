package models

// DeviceStatus is the snapshot served by the diagnostics API.
type DeviceStatus struct {
	Mode           Mode         `json:"mode"`
	ControlProven  bool         `json:"control_proven"`
	RunningSlot    Slot         `json:"running_slot"`
	ImageState     ImageState   `json:"image_state"`
	PostRollback   bool         `json:"post_rollback"`
	FailureStreak  int          `json:"failure_streak"`
	MonitorLatched bool         `json:"monitor_latched"`
	RecoveryState  string       `json:"recovery_state"`
	LatestAlert    *AlertRecord `json:"latest_alert,omitempty"`
}
