package cart

import (
	"sort"
	"time"
)

// Diff reports how the local cart differed from the persisted one before a load.
type Diff struct {
	LocalCount       int                `json:"local_count"`
	RemoteCount      int                `json:"remote_count"`
	Matches          int                `json:"matches"`
	MissingLocally   []string           `json:"missing_locally"`
	MissingRemotely  []string           `json:"missing_remotely"`
	QuantityMismatch []QuantityMismatch `json:"quantity_mismatches"`
	SyncPercentage   float64            `json:"sync_percentage"`
	Timestamp        time.Time          `json:"timestamp"`
}

type QuantityMismatch struct {
	ProductID      string `json:"product_id"`
	LocalQuantity  int    `json:"local_quantity"`
	RemoteQuantity int    `json:"remote_quantity"`
}

func (d Diff) InSync() bool {
	return len(d.MissingLocally) == 0 && len(d.MissingRemotely) == 0 && len(d.QuantityMismatch) == 0
}

// Compare builds a Diff between two item lists keyed by product id.
func Compare(local, remote []Item) Diff {
	diff := Diff{
		LocalCount:       len(local),
		RemoteCount:      len(remote),
		MissingLocally:   []string{},
		MissingRemotely:  []string{},
		QuantityMismatch: []QuantityMismatch{},
		Timestamp:        time.Now(),
	}

	// Create lookup maps
	localMap := make(map[string]Item, len(local))
	remoteMap := make(map[string]Item, len(remote))
	for _, item := range local {
		localMap[item.ID] = item
	}
	for _, item := range remote {
		remoteMap[item.ID] = item
	}

	allIDs := make([]string, 0, len(localMap)+len(remoteMap))
	for id := range localMap {
		allIDs = append(allIDs, id)
	}
	for id := range remoteMap {
		if _, ok := localMap[id]; !ok {
			allIDs = append(allIDs, id)
		}
	}
	sort.Strings(allIDs)

	for _, id := range allIDs {
		l, inLocal := localMap[id]
		r, inRemote := remoteMap[id]

		switch {
		case !inLocal:
			diff.MissingLocally = append(diff.MissingLocally, id)
		case !inRemote:
			diff.MissingRemotely = append(diff.MissingRemotely, id)
		case l.Quantity != r.Quantity:
			diff.QuantityMismatch = append(diff.QuantityMismatch, QuantityMismatch{
				ProductID:      id,
				LocalQuantity:  l.Quantity,
				RemoteQuantity: r.Quantity,
			})
		default:
			diff.Matches++
		}
	}

	if len(allIDs) > 0 {
		diff.SyncPercentage = float64(diff.Matches) / float64(len(allIDs)) * 100
	} else {
		diff.SyncPercentage = 100
	}

	return diff
}
