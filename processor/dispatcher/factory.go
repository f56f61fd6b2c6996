package dispatcher

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the dispatcher component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "dispatcher",
		Factory:     NewComponent,
		Schema:      dispatcherSchema,
		Type:        "processor",
		Protocol:    "dispatch",
		Domain:      "planstream",
		Description: "Owns a path-planner aggregate: decides intents, persists events, fires timeouts",
		Version:     "0.1.0",
	})
}
