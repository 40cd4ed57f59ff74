package types

// RelayInfo holds the read/write capability flags for a relay.
// Read requests (REQ) only go to read relays; published events only to write relays.
type RelayInfo struct {
	Read  bool `json:"read" yaml:"read"`
	Write bool `json:"write" yaml:"write"`
}

// RelayRW is the common read+write configuration.
var RelayRW = RelayInfo{Read: true, Write: true}
