package health

import "time"

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// Aggregate combines sub-statuses: any unhealthy makes the whole unhealthy, otherwise
// any degraded makes it degraded.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "No components registered")
	}

	var unhealthy, degraded int
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			unhealthy++
		case sub.IsDegraded():
			degraded++
		}
	}

	var status Status
	switch {
	case unhealthy > 0:
		status = NewUnhealthy(component, "One or more components are unhealthy")
	case degraded > 0:
		status = NewDegraded(component, "One or more components are degraded")
	default:
		status = NewHealthy(component, "All components are healthy")
	}

	status.SubStatuses = make([]Status, len(subs))
	copy(status.SubStatuses, subs)
	return status
}
