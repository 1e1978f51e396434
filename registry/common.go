package registry

import (
	"context"
	"time"
)

// ConnectionEntry one live native connection record in the registry
type ConnectionEntry struct {
	// InstanceID the process instance owning the connection
	InstanceID string `json:"instanceId" validate:"required"`
	// BrokerID the target broker
	BrokerID string `json:"brokerId" validate:"required"`
	// Label free-form description of the connection's purpose
	Label string `json:"label"`
	// CreatedAt when the connection was registered
	CreatedAt time.Time `json:"createdAt"`
}

// ConnectionStats observability snapshot of a broker's registered connections
type ConnectionStats struct {
	// Active the number of known live connections
	Active int `json:"active"`
	// Max the configured per-broker connection cap
	Max int `json:"max"`
	// Entries the known connection records
	Entries []ConnectionEntry `json:"entries"`
}

// ConnectionRegistry cross-process directory of live native broker
// connections, used to admit or reject new connection requests against a
// per-broker cap.
//
// Admission check and registration are separate calls; under concurrent
// admission from multiple processes the true count can transiently exceed
// the cap by a small margin. The cap is a soft operational guard.
type ConnectionRegistry interface {
	// CanCreateConnection true iff the live entry count for brokerID is below max
	CanCreateConnection(brokerID string, max int, ctxt context.Context) bool
	// RegisterConnection insert or refresh this process's entry for brokerID
	RegisterConnection(brokerID, label string, ctxt context.Context) error
	// RemoveConnection delete this process's entry for brokerID
	RemoveConnection(brokerID string, ctxt context.Context) error
	// GetConnectionStats list all known entries for a broker
	GetConnectionStats(brokerID string, max int, ctxt context.Context) (ConnectionStats, error)
	// CleanupAllConnections remove every entry owned by this process
	CleanupAllConnections(ctxt context.Context) error
	// StartBackgroundTasks start the entry renewal loop
	StartBackgroundTasks() error
	// StopBackgroundTasks stop the entry renewal loop
	StopBackgroundTasks() error
}
