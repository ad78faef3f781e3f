package reminder

// Event types published on the event bus.
const (
	EventScheduled      = "reminder.scheduled"
	EventCancelled      = "reminder.cancelled"
	EventFired          = "reminder.fired"
	EventDelivered      = "reminder.delivered"
	EventDeliveryFailed = "reminder.delivery_failed"
	EventOrphanDetected = "reminder.orphan_detected"
	EventMissed         = "reminder.missed"
	EventRolledBack     = "reminder.rolled_back"
)
