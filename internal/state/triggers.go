package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerAuthRequested   Trigger = "auth_requested"
	TriggerAuthGranted     Trigger = "auth_granted"
	TriggerAuthRejected    Trigger = "auth_rejected"
	TriggerCheckDue        Trigger = "check_due"
	TriggerNoUpdate        Trigger = "no_update"
	TriggerUpdateFound     Trigger = "update_found"
	TriggerUpdateInstalled Trigger = "update_installed"
	TriggerFetchAbandoned  Trigger = "fetch_abandoned"
	TriggerReset           Trigger = "reset"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
