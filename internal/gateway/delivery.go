package gateway

// deliveryAction classifies a sequenced event against the last
// delivered sequence number.
type deliveryAction int

const (
	actDeliver  deliveryAction = iota // next in order
	actDrop                           // duplicate, already delivered
	actBackfill                       // gap; fill from the store first
)

// classify implements the client-facing dedup and gap-detection rule:
// delivery is strictly increasing by sequence, duplicates are invisible,
// and any discontinuity triggers a backfill before the event itself.
func classify(lastSeq, seq uint64) deliveryAction {
	switch {
	case seq <= lastSeq:
		return actDrop
	case seq == lastSeq+1:
		return actDeliver
	default:
		return actBackfill
	}
}
