package hazcat

import (
	"time"

	"github.com/tensorlane/hazcat/internal/constants"
)

// These re-export internal/constants so library callers can size their own
// registrations (e.g. "don't request a depth above DefaultQueueDepth without
// a reason") without importing an internal package.
const (
	DomainsPerTopic   = constants.DomainsPerTopic
	DefaultQueueDepth = constants.DefaultQueueDepth
	DefaultItemSize   = constants.DefaultItemSize
	DefaultRingSize   = constants.DefaultRingSize
)

const (
	RegistrationLockTimeout time.Duration = constants.RegistrationLockTimeout
	RowSpinYieldAfter                     = constants.RowSpinYieldAfter
)
