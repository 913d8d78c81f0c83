package domain

import "time"

// CreateRequest is the JSON body accepted by the control API to create a
// new binding on behalf of a dashboard or CLI caller.
type CreateRequest struct {
	Name      string `json:"name,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	LocalHost string `json:"local_host"`
	LocalPort int    `json:"local_port"`
}

// BindingDescriptor is the control API's external view of a binding.
type BindingDescriptor struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Subdomain       string    `json:"subdomain"`
	LocalTarget     string    `json:"local_target"`
	RemoteEndpoint  string    `json:"remote_endpoint"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitzero"`
}

// DescribeBinding converts a binding into its control API representation.
func DescribeBinding(b Binding) BindingDescriptor {
	return BindingDescriptor{
		ID:              b.ID,
		Name:            b.Name,
		Subdomain:       b.Subdomain,
		LocalTarget:     b.LocalTarget.String(),
		RemoteEndpoint:  b.RemoteEndpoint,
		Status:          b.Status,
		CreatedAt:       b.CreatedAt,
		LastHeartbeatAt: b.LastHeartbeatAt,
	}
}

// BindingEvent is one journaled lifecycle transition, served by the
// control API's per-binding history endpoint.
type BindingEvent struct {
	BindingID string    `json:"binding_id"`
	Subdomain string    `json:"subdomain"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// BindingState pairs a binding's lifecycle status with the advisory
// routing-sync status for observability callers.
type BindingState struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	RoutingInSync bool   `json:"routing_in_sync"`
}

// ErrorResponse is the JSON body returned by the control API for
// structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
