package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewRecordID returns a time-sortable ULID used as catalog record id. Ids
// created by one process sort in creation order.
func NewRecordID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewUUID returns a random v4 uuid, the identity format of workbooks,
// artifacts and catalog entities.
func NewUUID() string {
	return uuid.NewString()
}
