package hermes

import (
	"bytes"
	"encoding/json"

	"github.com/hermes-mq/hermes/errors"
)

// FailureStrategy selects how a MessageParser failure should be handled by
// a consumer: rejecting the message (nack, no requeue), routing it to the
// dead-letter queue (also a nack, relying on the queue's DLX), or silently
// ignoring it (ack, no handler invocation).
type FailureStrategy int

const (
	// StrategyReject nack-drops the message.
	StrategyReject FailureStrategy = iota

	// StrategyDLQ nack-drops the message, relying on the queue's
	// dead-letter configuration to route it onward.
	StrategyDLQ

	// StrategyIgnore acks the message without invoking any handler.
	StrategyIgnore
)

// ParseFailure describes why a MessageParser rejected a frame and how the
// caller should dispose of it.
type ParseFailure struct {
	Err      error
	Strategy FailureStrategy
}

func (f *ParseFailure) Error() string { return f.Err.Error() }

// MessageProperties carries the subset of AMQP message properties the
// parser needs to make its decision and expose to callers.
type MessageProperties struct {
	ContentType   string
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Headers       map[string]interface{}
}

// ParseOptions configures a MessageParser invocation.
type ParseOptions struct {
	// MaxSize bounds the accepted frame size in bytes. Zero uses the
	// package default of 256 KiB.
	MaxSize int64

	// OnMalformed selects the disposition for frames that fail validation.
	// Zero value is StrategyReject.
	OnMalformed FailureStrategy
}

// MessageParser validates and decodes inbound message bodies. It is
// stateless; a single instance may be shared across consumers.
type MessageParser struct {
	defaultMaxSize int64
}

// NewMessageParser constructs a parser using defaultMaxSize when a call's
// ParseOptions.MaxSize is zero.
func NewMessageParser(defaultMaxSize int64) *MessageParser {
	if defaultMaxSize <= 0 {
		defaultMaxSize = 256 * 1024
	}
	return &MessageParser{defaultMaxSize: defaultMaxSize}
}

// Parse validates raw against size, NUL-byte, JSON-syntax and
// null-value rules, in that order, and decodes it into an untyped value on
// success.
func (p *MessageParser) Parse(raw []byte, props MessageProperties, opts ParseOptions) (interface{}, *ParseFailure) {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = p.defaultMaxSize
	}

	if int64(len(raw)) > maxSize {
		return nil, &ParseFailure{
			Err:      errors.Validation("message exceeds maximum size", map[string]interface{}{"size": len(raw), "max": maxSize}),
			Strategy: opts.OnMalformed,
		}
	}

	if bytes.IndexByte(raw, 0) >= 0 {
		return nil, &ParseFailure{
			Err:      errors.Validation("message contains a NUL byte", nil),
			Strategy: opts.OnMalformed,
		}
	}

	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &ParseFailure{
			Err:      errors.Parse("message is not valid JSON", map[string]interface{}{"cause": err.Error()}),
			Strategy: opts.OnMalformed,
		}
	}

	if data == nil {
		return nil, &ParseFailure{
			Err:      errors.Validation("decoded value is null", nil),
			Strategy: opts.OnMalformed,
		}
	}

	return data, nil
}
