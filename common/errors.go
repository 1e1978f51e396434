package common

import "fmt"

// ConnectionError transport or authentication failure while establishing the
// native broker connection. Fatal to the owning session; the session must be
// recreated before further use.
type ConnectionError struct {
	// Endpoint the broker endpoint the connect attempt targeted
	Endpoint string
	// Err the underlying transport error
	Err error
}

// Error implement error
func (e ConnectionError) Error() string {
	return fmt.Sprintf("unable to connect with broker %s: %s", e.Endpoint, e.Err)
}

// Unwrap support errors.Is / errors.As
func (e ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError an operation was attempted without a live channel. The caller
// must connect the session first; this layer never auto-reconnects mid-call.
type ChannelError struct {
	// Op the operation which was attempted
	Op string
}

// Error implement error
func (e ChannelError) Error() string {
	return fmt.Sprintf("no live channel available for %s", e.Op)
}

// NotFoundError the target of a pause / resume / lookup does not exist
type NotFoundError struct {
	// Resource the type of resource which was not found
	Resource string
	// Name the name of the missing resource
	Name string
}

// Error implement error
func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Name)
}

// NotOwnedError the target resource exists but is owned by a different
// process instance, so this instance can not act on its live resources
type NotOwnedError struct {
	// Resource the type of resource
	Resource string
	// Name the name of the resource
	Name string
	// OwnerInstance the instance which owns the live resource
	OwnerInstance string
}

// Error implement error
func (e NotOwnedError) Error() string {
	return fmt.Sprintf("%s %s is owned by instance %s", e.Resource, e.Name, e.OwnerInstance)
}

// LimitExceededError connection admission was denied by the registry.
// Carries the observed and maximum counts for caller facing messaging.
type LimitExceededError struct {
	// BrokerID the target broker
	BrokerID string
	// Current the observed live connection count
	Current int
	// Max the configured per-broker connection cap
	Max int
}

// Error implement error
func (e LimitExceededError) Error() string {
	return fmt.Sprintf(
		"connection limit reached for broker %s: %d of %d in use", e.BrokerID, e.Current, e.Max,
	)
}
