package constants

// Default queue configuration values
const (
	DefaultTTLSeconds       = 259200 // three days
	DefaultDeliveryLimit    = 10
	DefaultRedisDialTimeout = 5
)

// Default timeout values
const (
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultSessionWriteTimeoutMs = 5000
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxSec         = 5
	DefaultStoreDialAttempts     = 5
	DefaultServerPort            = 8082
)

// Privacy settings
const (
	DefaultKeyMaskLength   = 4
	DefaultIdentMaskLength = 8
)
