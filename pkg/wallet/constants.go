package wallet

const (
	operationTopUp   = "topup"
	operationReserve = "reserve"
	operationRefund  = "refund"

	operationStatusOK       = "ok"
	operationStatusDeclined = "declined"
	operationStatusError    = "error"

	// MetadataKeyReason is the machine-readable refund reason recorded by
	// automated callers such as the orphan reconciler.
	MetadataKeyReason = "reason"
	// MetadataKeyActor identifies who requested a refund.
	MetadataKeyActor = "actor"
	// MetadataKeyNote carries a free-form operator note.
	MetadataKeyNote = "note"

	// ReasonOrphanJobMissing tags refunds issued because the charged-for job
	// never came into existence.
	ReasonOrphanJobMissing = "orphan_job_missing"

	idempotencyPrefixRefund = "refund"
	idempotencyDelimiter    = ":"
)
