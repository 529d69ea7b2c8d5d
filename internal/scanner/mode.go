package scanner

import (
	"time"

	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/storage"
)

// DecideMode picks the software scan mode for a host. A full scan is needed
// when the host has never been scanned, has no full scan on record, its last
// full scan is older than maxAge, or it has no software rows at all. since is
// the incremental cutoff and is zero for full scans.
func DecideMode(h storage.HostHistory, now time.Time, maxAge time.Duration) (mode model.ScanMode, since time.Time) {
	switch {
	case !h.Known, h.LastUpdated == nil, h.LastFullScan == nil:
		return model.ScanFull, time.Time{}
	case maxAge > 0 && now.Sub(*h.LastFullScan) > maxAge:
		return model.ScanFull, time.Time{}
	case h.SoftwareCount == 0:
		return model.ScanFull, time.Time{}
	}
	return model.ScanIncremental, *h.LastUpdated
}
