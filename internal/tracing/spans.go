package tracing

// Span attribute keys for relay tracing.
const (
	// Message attributes
	AttrMessageID = "message.id"
	AttrSubject   = "message.subject"
	AttrSender    = "message.sender"
	AttrReplyTo   = "message.reply_to"

	// Endpoint attributes
	AttrEndpointHash    = "endpoint.hash"
	AttrEndpointSubject = "endpoint.subject"

	// Budget attributes
	AttrBudgetHops      = "budget.hops_used"
	AttrBudgetTTLMs     = "budget.ttl_remaining_ms"
	AttrBudgetCallsLeft = "budget.calls_remaining"

	// Pipeline attributes
	AttrDeliveredTo = "publish.delivered_to"
	AttrRejection   = "publish.rejection"

	// Error attributes
	AttrErrorMessage = "error.message"
)

// Span names for the pipeline stages.
const (
	SpanPublish  = "relay.publish"
	SpanDeliver  = "relay.deliver"
	SpanDispatch = "relay.dispatch"
)

// Event names for span events.
const (
	EventEnvelopePersisted = "envelope.persisted"
	EventEnvelopeClaimed   = "envelope.claimed"
	EventDeadLettered      = "envelope.dead_lettered"
	EventSignalEmitted     = "signal.emitted"
)
