// internal/errors/errors.go
package appErrors

import "fmt"

// ErrMandatoryField signals a missing required field at intake. The message is
// never created.
type ErrMandatoryField struct {
	Field string
}

func (e *ErrMandatoryField) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

func NewMandatoryField(field string) error {
	return &ErrMandatoryField{Field: field}
}

// ErrPermission signals that the caller may not send from the given domain.
type ErrPermission struct {
	Message string
}

func (e *ErrPermission) Error() string {
	return e.Message
}

func NewPermission(message string) error {
	return &ErrPermission{Message: message}
}

// ErrMessageNotFound is returned when no outbound message matches the id.
type ErrMessageNotFound struct {
	ID string
}

func (e *ErrMessageNotFound) Error() string {
	return fmt.Sprintf("outbound message %s not found", e.ID)
}

func NewMessageNotFound(id string) error {
	return &ErrMessageNotFound{ID: id}
}

// ErrAllRecipientsBlocked is returned when a publish is attempted for a
// message whose recipients are all on the blocklist.
type ErrAllRecipientsBlocked struct {
	MessageID string
}

func (e *ErrAllRecipientsBlocked) Error() string {
	return fmt.Sprintf("all recipients of message %s are blocked", e.MessageID)
}

func NewAllRecipientsBlocked(id string) error {
	return &ErrAllRecipientsBlocked{MessageID: id}
}

// ErrInvalidTransition is returned when an operator action does not apply to
// the message's current status.
type ErrInvalidTransition struct {
	ID     string
	Status string
	Action string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s message %s in status %q", e.Action, e.ID, e.Status)
}

func NewInvalidTransition(id, status, action string) error {
	return &ErrInvalidTransition{ID: id, Status: status, Action: action}
}
