package usbip

import (
	"sync"

	"github.com/pkg/errors"
)

// pendingTable tracks in-flight seqnum to raw-endpoint associations.
// Entries are created at submit-accept time and removed exactly once:
// the URB completion and the unlink handler race on remove, and the
// winner owns the right to emit the reply. Critical sections are purely
// synchronous.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint32]RawEndpoint
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint32]RawEndpoint)}
}

func (t *pendingTable) insert(seqnum uint32, ep RawEndpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exist := t.entries[seqnum]; exist {
		return errors.Wrapf(ErrProtocol, "duplicate seqnum %d", seqnum)
	}
	t.entries[seqnum] = ep
	return nil
}

func (t *pendingTable) remove(seqnum uint32) (RawEndpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, exist := t.entries[seqnum]
	if exist {
		delete(t.entries, seqnum)
	}
	return ep, exist
}
