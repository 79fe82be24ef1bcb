package ports

// Service is a long-running component with an explicit lifecycle
type Service interface {
	// Start starts the service in the background
	Start() error

	// Stop stops the service, waiting for in-flight work
	Stop() error
}
