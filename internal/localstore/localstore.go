package localstore

// Локально персистимые ключи устройства. Значения — строки; структуры
// сериализуются в JSON на стороне вызывающего.
const (
	KeyDeviceID         = "device_id"
	KeyInstallSalt      = "install_salt"
	KeyGroupID          = "group_id"
	KeyPendingInvite    = "pending_invite"
	KeyDisplayName      = "display_name"
	KeySOSActive        = "sos_active"
	KeyRecordingSession = "recording_session"
	KeyPINHash          = "pin_hash"
	KeyActiveAlerts     = "active_alerts"
)

type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}
