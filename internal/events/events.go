package events

// Domain event types published to the bus. Consumers are unrelated services;
// delivery is at-least-once and fire-and-forget.
const (
	EventCreditsPurchased          = "credits.purchased"
	EventCreditsReserved           = "credits.reserved"
	EventCreditsConsumed           = "credits.consumed"
	EventCreditsReleased           = "credits.released"
	EventCreditsReservationExpired = "credits.reservation_expired"

	EventSubscriptionCreated     = "subscription.created"
	EventSubscriptionPlanChanged = "subscription.plan_changed"
	EventSubscriptionCanceled    = "subscription.canceled"
	EventSubscriptionBilled      = "subscription.billed"

	EventPaymentProcessed = "payment.processed"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
	EventPaymentExpired   = "payment.expired"
	EventPaymentDisputed  = "payment.disputed"
)
