package cache

import "time"

// Default custody/DACS timing constants (spec.md §4.G). They match the
// custody values of config.DefaultConfig; New uses Config.Custody exactly
// as given and does not fall back to these for zero fields.
const (
	DefaultDACSLifetime     = 24 * time.Hour
	DefaultDACSOpenTime     = 10 * time.Second
	DefaultFastRetry        = 3 * time.Second
	DefaultIdleRetry        = 1 * time.Hour
	DefaultAgeOut           = 5 * time.Second
	DefaultMaxSeqPerPayload = 16
)

// DeliveryPolicyCustodyTracking is the only delivery policy this module
// implements: append a custody-tracking block and offload the bundle.
const DeliveryPolicyCustodyTracking = "custody_tracking"
