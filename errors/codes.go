package errors

// Kind classifies an error by the stage of the pipeline that produced it.
type Kind string

// Error kinds.
const (
	KindConnection Kind = "connection"
	KindChannel    Kind = "channel"
	KindTimeout    Kind = "timeout"
	KindValidation Kind = "validation"
	KindPublish    Kind = "publish"
	KindParse      Kind = "parse"
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindHandler    Kind = "handler"
)

// Code is a stable, machine-readable identifier surfaced to callers,
// independent of the human-readable message.
type Code string

// Stable error codes.
const (
	CodeConnection Code = "CONNECTION_ERROR"
	CodeTimeout    Code = "TIMEOUT_ERROR"
	CodeChannel    Code = "CHANNEL_ERROR"
	CodeValidation Code = "VALIDATION_ERROR"
	CodeTransient  Code = "TRANSIENT_ERROR"
	CodePermanent  Code = "PERMANENT_ERROR"
	CodePublish    Code = "PUBLISH_ERROR"
	CodeExchange   Code = "EXCHANGE_ERROR"
	CodeHandler    Code = "HANDLER_ERROR"
)

// tagKind and tagDetails are the keys used to stash structured classification
// data on an *Error instance via SetTag, so it travels through Wrap/Combine
// without widening the Error struct itself.
const (
	tagKind    = "kind"
	tagCode    = "code"
	tagDetails = "details"
)

// coded builds a new root *Error tagged with the given kind/code/details.
func coded(kind Kind, code Code, msg string, details map[string]interface{}) *Error {
	e := New(msg).(*Error)
	e.SetTag(tagKind, string(kind))
	e.SetTag(tagCode, string(code))
	if details != nil {
		e.SetTag(tagDetails, details)
	}
	return e
}

// KindOf returns the classification kind tagged on err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !As(err, &e) {
		return "", false
	}
	k, ok := e.Tags()[tagKind].(string)
	return Kind(k), ok
}

// CodeOf returns the stable code tagged on err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if !As(err, &e) {
		return "", false
	}
	c, ok := e.Tags()[tagCode].(string)
	return Code(c), ok
}

// DetailsOf returns the structured details map tagged on err, if any.
func DetailsOf(err error) (map[string]interface{}, bool) {
	var e *Error
	if !As(err, &e) {
		return nil, false
	}
	d, ok := e.Tags()[tagDetails].(map[string]interface{})
	return d, ok
}

// Connection reports a failure establishing or maintaining the transport
// connection to the broker.
func Connection(msg string, details map[string]interface{}) *Error {
	return coded(KindConnection, CodeConnection, msg, details)
}

// Channel reports a failure acquiring, leasing or operating a broker
// channel.
func Channel(msg string, details map[string]interface{}) *Error {
	return coded(KindChannel, CodeChannel, msg, details)
}

// Timeout reports a deadline elapsing before an operation completed.
func Timeout(msg string, details map[string]interface{}) *Error {
	return coded(KindTimeout, CodeTimeout, msg, details)
}

// Validation reports a caller-supplied argument or configuration error.
func Validation(msg string, details map[string]interface{}) *Error {
	return coded(KindValidation, CodeValidation, msg, details)
}

// Publish reports a failure publishing a message to the broker.
func Publish(msg string, details map[string]interface{}) *Error {
	return coded(KindPublish, CodePublish, msg, details)
}

// Exchange reports a failure declaring or asserting broker topology tied to
// a publish-side operation (exchanges, delay queues).
func Exchange(msg string, details map[string]interface{}) *Error {
	return coded(KindPublish, CodeExchange, msg, details)
}

// Parse reports a malformed inbound message. Surfaced with the validation
// stable code since no dedicated wire-level code is defined.
func Parse(msg string, details map[string]interface{}) *Error {
	return coded(KindParse, CodeValidation, msg, details)
}

// Transient reports a recoverable failure; callers may retry/requeue.
func Transient(msg string, details map[string]interface{}) *Error {
	return coded(KindTransient, CodeTransient, msg, details)
}

// Permanent reports a non-recoverable failure; callers should not retry.
func Permanent(msg string, details map[string]interface{}) *Error {
	return coded(KindPermanent, CodePermanent, msg, details)
}

// Handler reports a failure raised by, or attributed to, user handler code
// (including a missing command registration and RPC remote errors rehydrated
// on the client).
func Handler(msg string, details map[string]interface{}) *Error {
	return coded(KindHandler, CodeHandler, msg, details)
}
