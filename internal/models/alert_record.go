package models

import "time"

// AlertCode classifies an alert.
type AlertCode int

const (
	AlertNone AlertCode = iota
	AlertOTAApplyFail
	AlertOTAVerifyFail
	AlertRollbackExecuted
	AlertWatchdogReset
	AlertFlashWriteError
	AlertFSMountFail
	AlertImageInvalid
	AlertTCPFatal
	AlertBLEFatal
)

var alertCodeNames = [...]string{
	AlertNone:             "NONE",
	AlertOTAApplyFail:     "OTA_APPLY_FAIL",
	AlertOTAVerifyFail:    "OTA_VERIFY_FAIL",
	AlertRollbackExecuted: "ROLLBACK_EXECUTED",
	AlertWatchdogReset:    "WATCHDOG_RESET",
	AlertFlashWriteError:  "FLASH_WRITE_ERROR",
	AlertFSMountFail:      "FS_MOUNT_FAIL",
	AlertImageInvalid:     "IMAGE_INVALID",
	AlertTCPFatal:         "TCP_FATAL",
	AlertBLEFatal:         "BLE_FATAL",
}

func (c AlertCode) String() string {
	if c >= 0 && int(c) < len(alertCodeNames) {
		return alertCodeNames[c]
	}
	return "UNKNOWN"
}

func (c AlertCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *AlertCode) UnmarshalText(b []byte) error {
	*c = ParseAlertCode(string(b))
	return nil
}

// ParseAlertCode maps a canonical name back to its code; unknown names yield AlertNone.
func ParseAlertCode(s string) AlertCode {
	for i, n := range alertCodeNames {
		if n == s {
			return AlertCode(i)
		}
	}
	return AlertNone
}

// AlertRecord is a single entry of the append-only alert log.
type AlertRecord struct {
	ID       string    `json:"id"`
	Seq      uint32    `json:"seq"` // monotonically increasing within a boot
	Code     AlertCode `json:"code"`
	Detail   string    `json:"detail"`
	RaisedAt time.Time `json:"raised_at"`
}
