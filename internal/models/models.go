// Package models defines the core data structures for SOSPipe.
//
// It includes sensor samples, incidents, the alert payload, dispatch receipts and
// owner responses, which are shared across modules.
package models

import (
	"errors"
	"math"
	"time"
)

// Error variables for the alerting taxonomy. Callers match them with errors.Is.
var (
	ErrPermissionDenied     = errors.New("location permission denied")
	ErrLocationUnavailable  = errors.New("current location unavailable")
	ErrNoContactsConfigured = errors.New("no emergency contacts configured")
	ErrChannelUnavailable   = errors.New("sms channel unavailable")
	ErrTooManyContacts      = errors.New("too many emergency contacts")
	ErrInvalidContacts      = errors.New("invalid emergency contact number")
	ErrEmptyRecipient       = errors.New("recipient cannot be empty")
)

// Sample is a single 3-axis acceleration reading. Samples are transient and never persisted.
type Sample struct {
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Z          float64   `json:"z"`
	CapturedAt time.Time `json:"captured_at"`
}

// Magnitude returns the euclidean norm of the sample.
func (s Sample) Magnitude() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// TriggerSource identifies what raised an incident.
type TriggerSource string

const (
	// TriggerSourceImpact is the autonomous sensor path.
	TriggerSourceImpact TriggerSource = "impact"
	// TriggerSourceManual is an explicit user action.
	TriggerSourceManual TriggerSource = "manual"
	// TriggerSourceResponse is a send-sms reply to the emergency prompt.
	TriggerSourceResponse TriggerSource = "response"
)

// UserInitiated reports whether failures for this source should be surfaced to the user.
func (s TriggerSource) UserInitiated() bool {
	return s == TriggerSourceManual || s == TriggerSourceResponse
}

// Incident is one logical emergency accepted by the debouncer.
type Incident struct {
	ID        string        `json:"id"`
	Source    TriggerSource `json:"source"`
	Magnitude float64       `json:"magnitude,omitempty"`
	At        time.Time     `json:"at"`
}

// Position is a location fix returned by a location provider.
type Position struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// NotificationAction is the action selected on an emergency prompt.
type NotificationAction string

const (
	// ActionNone means the prompt was dismissed or ignored.
	ActionNone NotificationAction = ""
	// ActionSendSMS asks for the alert to be sent to the contacts.
	ActionSendSMS NotificationAction = "send-sms"
	// ActionImOK cancels the emergency.
	ActionImOK NotificationAction = "im-ok"
)

// MessageStatus represents the hand-off status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was handed to the channel.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the channel rejected the message.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusDelivered is reported by a provider callback after hand-off.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead is reported by a provider callback after hand-off.
	MessageStatusRead MessageStatus = "read"
)

// Receipt records one recipient hand-off for an incident.
type Receipt struct {
	IncidentID string        `json:"incident_id,omitempty"`
	To         string        `json:"to"`
	Status     MessageStatus `json:"status"`
	Time       int64         `json:"time"`
}

// Outcome summarizes a multi-recipient send. Dispatched does not imply delivered.
type Outcome struct {
	Sent   []string          `json:"sent"`
	Failed map[string]string `json:"failed,omitempty"`
}

// Dispatched reports whether at least one recipient was handed off.
func (o Outcome) Dispatched() bool {
	return len(o.Sent) > 0
}

// Response represents an incoming reply from the device owner.
type Response struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusSuppressed indicates a trigger was dropped during cooldown.
	APIStatusSuppressed APIStatus = "suppressed"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Suppressed creates a response for a trigger dropped during cooldown.
func Suppressed(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusSuppressed).
		WithMessage(message).
		Build()
}

// Recorded creates a recorded API response.
func Recorded() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		Build()
}
