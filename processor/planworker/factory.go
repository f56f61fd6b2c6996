package planworker

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the plan-worker component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "plan-worker",
		Factory:     NewComponent,
		Schema:      planWorkerSchema,
		Type:        "processor",
		Protocol:    "dispatch",
		Domain:      "planstream",
		Description: "Executes planning capabilities for assignments from a planner",
		Version:     "0.1.0",
	})
}
