package models

// ServiceDescriptor is the control plane's view of a deployed service at the
// time of the query.
type ServiceDescriptor struct {
	Name            string `json:"name"`
	Region          string `json:"region,omitempty"`
	URL             string `json:"url"`
	ReadyRevision   string `json:"ready_revision"`
	CreatedRevision string `json:"created_revision"`
	// App is the owning application on control planes where service names
	// are only unique within an app.
	App string `json:"app,omitempty"`
	// Backend names the control plane that produced the descriptor.
	Backend string `json:"backend"`
	// HealthPath is the health-check path declared by the control plane, if any.
	HealthPath string `json:"health_path,omitempty"`
}

// RolloutPending reports whether the newest revision is not yet serving.
func (d *ServiceDescriptor) RolloutPending() bool {
	return d.CreatedRevision != "" && d.CreatedRevision != d.ReadyRevision
}
