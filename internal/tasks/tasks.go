package tasks

const (
	// TypeSettlementTick asks the worker to run a settlement tick ahead
	// of its timer, used when queue depth crosses the threshold.
	TypeSettlementTick = "settlement:tick"

	QueueName = "issuer"
)
