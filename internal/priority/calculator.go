package priority

import "notifyhub/internal/model"

// Calculate returns the effective priority. Privileged (VIP/ADMIN) requesters
// are boosted exactly one tier; CRITICAL stays CRITICAL. There is no downgrade.
func Calculate(base model.Priority, privileged bool) model.Priority {
	if !privileged {
		return base
	}
	return Boost(base)
}

func Boost(p model.Priority) model.Priority {
	switch p {
	case model.PriorityLow:
		return model.PriorityMedium
	case model.PriorityMedium:
		return model.PriorityHigh
	case model.PriorityHigh, model.PriorityCritical:
		return model.PriorityCritical
	default:
		return p
	}
}

// RoutingKey e.g. "notification.critical"
func RoutingKey(p model.Priority) string {
	return "notification." + p.Lower()
}

// QueueName is the lane queue bound to RoutingKey(p).
func QueueName(p model.Priority) string {
	return "notification." + p.Lower() + ".q"
}
