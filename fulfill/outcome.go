package fulfill

// GroupResult classifies what happened to one mint group.
type GroupResult string

const (
	// GroupSuccess means the transaction was accepted by the node.
	GroupSuccess GroupResult = "success"
	// GroupExhausted means the contract reported the item supply spent.
	// Terminal for this group; retrying cannot succeed.
	GroupExhausted GroupResult = "item_exhausted"
	// GroupDeferred means admission control declined to submit right now.
	// The group was never attempted and costs nothing.
	GroupDeferred GroupResult = "deferred"
	// GroupFailed covers every other submission error.
	GroupFailed GroupResult = "failed"
)

// GroupOutcome records the per-group result the claim classifier folds over.
type GroupOutcome struct {
	Result   GroupResult
	Contract string
	TxHash   string
	Reason   string
}

// tally buckets a slice of group outcomes. Exhaustion is kept apart from
// generic failure: the claim classifier treats them differently.
type tally struct {
	success   int
	exhausted int
	deferred  int
	failed    int
	total     int
}

func tallyOutcomes(outcomes []GroupOutcome) tally {
	t := tally{total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Result {
		case GroupSuccess:
			t.success++
		case GroupExhausted:
			t.exhausted++
		case GroupDeferred:
			t.deferred++
		default:
			t.failed++
		}
	}
	return t
}
