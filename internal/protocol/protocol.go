package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// NotificationComplete is posted by content when the learner finished the course.
	NotificationComplete = "scorm:complete"
	// NotificationReady is posted by the host once the runtime bridge is listening.
	NotificationReady = "scorm:ready"
)

// ErrMalformed marks a message that fails the wire schema. Malformed messages are discarded.
var ErrMalformed = errors.New("malformed bridge message")

// Kind classifies a decoded cross-context message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// Value is a loosely typed RTE argument or result. Any JSON scalar decodes
// into its string form; null decodes to the empty string.
type Value string

// UnmarshalJSON accepts strings, numbers, booleans and null.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		*v = ""
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
	case trimmed == "true" || trimmed == "false":
		*v = Value(trimmed)
	default:
		if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
			return fmt.Errorf("unsupported value %s", trimmed)
		}
		*v = Value(trimmed)
	}
	return nil
}

// String returns the underlying string.
func (v Value) String() string {
	return string(v)
}

// Request asks the peer context to perform one RTE action.
type Request struct {
	Action    string  `json:"action" validate:"notblank"`
	Params    []Value `json:"params"`
	MessageID string  `json:"messageId" validate:"notblank"`
}

// Response answers the Request with the same MessageID.
type Response struct {
	MessageID string `json:"messageId" validate:"notblank"`
	Result    Value  `json:"result"`
	ErrorCode string `json:"errorCode,omitempty"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
}

// Notification is a one-way lifecycle signal.
type Notification struct {
	Type      string          `json:"type" validate:"notblank"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId" validate:"notblank"`
}

// Message is one decoded inbound message. Exactly one of the pointers is set.
type Message struct {
	Kind         Kind
	Request      *Request
	Response     *Response
	Notification *Notification
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		if str, ok := fl.Field().Interface().(string); ok {
			return strings.TrimSpace(str) != ""
		}
		return false
	})
}

// Decode classifies and validates one raw message. Anything that does not
// match a known shape returns an error wrapping ErrMalformed.
func Decode(data []byte) (Message, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	_, hasAction := envelope["action"]
	_, hasType := envelope["type"]
	_, hasResult := envelope["result"]
	_, hasErrorCode := envelope["errorCode"]

	switch {
	case hasAction:
		var req Request
		if err := decodeInto(data, &req); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindRequest, Request: &req}, nil
	case hasType:
		var n Notification
		if err := decodeInto(data, &n); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindNotification, Notification: &n}, nil
	case hasResult || hasErrorCode:
		var resp Response
		if err := decodeInto(data, &resp); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindResponse, Response: &resp}, nil
	default:
		return Message{}, fmt.Errorf("%w: unrecognized message shape", ErrMalformed)
	}
}

// Encode validates and marshals an outbound Request, Response or Notification.
func Encode(message any) ([]byte, error) {
	switch message.(type) {
	case Request, *Request, Response, *Response, Notification, *Notification:
	default:
		return nil, fmt.Errorf("unsupported message type %T", message)
	}
	if err := validate.Struct(message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// NewRequest builds a Request with string params.
func NewRequest(action, messageID string, params ...string) Request {
	values := make([]Value, 0, len(params))
	for _, p := range params {
		values = append(values, Value(p))
	}
	return Request{Action: action, Params: values, MessageID: messageID}
}

// Param returns the i-th parameter or the empty string.
func (r Request) Param(i int) string {
	if i < 0 || i >= len(r.Params) {
		return ""
	}
	return string(r.Params[i])
}

func decodeInto(data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
