package broker

import "github.com/rs/xid"

// newID returns a new globally unique, sortable, allocation-free
// identifier. It backs both InternalMessage.ID (assigned at publish)
// and ack IDs (assigned at pull).
func newID() string {
	return xid.New().String()
}
