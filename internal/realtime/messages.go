package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// Wire type names. The envelope carries one of these in "type".
const (
	TypeLocationUpdate        = "LocationUpdate"
	TypeRideStatusUpdate      = "RideStatusUpdate"
	TypeRideRequest           = "RideRequest"
	TypeRideAccepted          = "RideAccepted"
	TypeDriverLocationUpdate  = "DriverLocationUpdate"
	TypeChatMessage           = "ChatMessage"
	TypePing                  = "Ping"
	TypePong                  = "Pong"
	TypeAuthenticate          = "Authenticate"
	TypeAuthenticationSuccess = "AuthenticationSuccess"
	TypeError                 = "Error"
)

// Error codes for synthetic protocol errors raised on receipt.
const (
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeMalformedFrame = "MALFORMED_FRAME"
)

// Message is one variant of the channel's tagged union.
type Message interface {
	MessageType() string
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationUpdate is a rider or driver position ping.
type LocationUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Bearing   float64 `json:"bearing,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// RideStatusUpdate reports a ride lifecycle transition.
type RideStatusUpdate struct {
	RideID    string `json:"rideId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// RideRequest offers a ride to a driver.
type RideRequest struct {
	RideID        string      `json:"rideId"`
	RiderID       string      `json:"riderId"`
	Pickup        Coordinates `json:"pickup"`
	Dropoff       Coordinates `json:"dropoff"`
	EstimatedFare float64     `json:"estimatedFare,omitempty"`
	Timestamp     int64       `json:"timestamp"`
}

// RideAccepted tells the rider a driver took the ride.
type RideAccepted struct {
	RideID     string `json:"rideId"`
	DriverID   string `json:"driverId"`
	ETASeconds int    `json:"etaSeconds,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// DriverLocationUpdate streams the assigned driver's position.
type DriverLocationUpdate struct {
	DriverID  string  `json:"driverId"`
	RideID    string  `json:"rideId,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Bearing   float64 `json:"bearing,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// ChatMessage is an in-ride chat line.
type ChatMessage struct {
	MessageID string `json:"messageId"`
	RideID    string `json:"rideId"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// NewChatMessage builds a ChatMessage with NFC-normalized text so the
// same visible string always has one byte representation on the wire.
func NewChatMessage(messageID, rideID, senderID, text string, timestamp int64) ChatMessage {
	return ChatMessage{
		MessageID: messageID,
		RideID:    rideID,
		SenderID:  senderID,
		Text:      norm.NFC.String(text),
		Timestamp: timestamp,
	}
}

// Ping is the client heartbeat.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong is the server heartbeat reply.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// Authenticate is sent immediately after the channel opens.
type Authenticate struct {
	Token    string `json:"token"`
	UserType string `json:"userType"`
}

// AuthenticationSuccess is the server's acceptance of Authenticate.
type AuthenticationSuccess struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage is a protocol error, either sent by the server or
// synthesized locally for frames that cannot be decoded.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (LocationUpdate) MessageType() string        { return TypeLocationUpdate }
func (RideStatusUpdate) MessageType() string      { return TypeRideStatusUpdate }
func (RideRequest) MessageType() string           { return TypeRideRequest }
func (RideAccepted) MessageType() string          { return TypeRideAccepted }
func (DriverLocationUpdate) MessageType() string  { return TypeDriverLocationUpdate }
func (ChatMessage) MessageType() string           { return TypeChatMessage }
func (Ping) MessageType() string                  { return TypePing }
func (Pong) MessageType() string                  { return TypePong }
func (Authenticate) MessageType() string          { return TypeAuthenticate }
func (AuthenticationSuccess) MessageType() string { return TypeAuthenticationSuccess }
func (ErrorMessage) MessageType() string          { return TypeError }

// envelope is the frame layout: {"type": "...", "data": {...}}.
type envelope struct {
	Type string  `json:"type"`
	Data Message `json:"data"`
}

type decodeFunc func(data []byte) (Message, error)

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}

	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	return v, nil
}

var decoders = map[string]decodeFunc{
	TypeLocationUpdate:        decodeAs[LocationUpdate],
	TypeRideStatusUpdate:      decodeAs[RideStatusUpdate],
	TypeRideRequest:           decodeAs[RideRequest],
	TypeRideAccepted:          decodeAs[RideAccepted],
	TypeDriverLocationUpdate:  decodeAs[DriverLocationUpdate],
	TypeChatMessage:           decodeAs[ChatMessage],
	TypePing:                  decodeAs[Ping],
	TypePong:                  decodeAs[Pong],
	TypeAuthenticate:          decodeAs[Authenticate],
	TypeAuthenticationSuccess: decodeAs[AuthenticationSuccess],
	TypeError:                 decodeAs[ErrorMessage],
}

// Encode marshals msg into a wire envelope.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encoding nil message")
	}

	data, err := json.Marshal(envelope{Type: msg.MessageType(), Data: msg})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s: %w", msg.MessageType(), err)
	}

	return data, nil
}

// Decode parses a wire envelope. It never fails: frames that are not
// valid JSON, lack a type, carry an unknown type, or have a payload
// that does not fit the variant come back as an ErrorMessage so
// subscribers can observe protocol drift.
func Decode(frame []byte) Message {
	if !gjson.ValidBytes(frame) {
		return ErrorMessage{Code: CodeMalformedFrame, Message: "frame is not valid JSON"}
	}

	typ := gjson.GetBytes(frame, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return ErrorMessage{Code: CodeMalformedFrame, Message: "frame has no type"}
	}

	decode, ok := decoders[typ.Str]
	if !ok {
		return ErrorMessage{
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("unknown message type %q", typ.Str),
		}
	}

	var raw []byte
	if data := gjson.GetBytes(frame, "data"); data.Exists() && data.Type != gjson.Null {
		raw = []byte(data.Raw)
	}

	msg, err := decode(raw)
	if err != nil {
		return ErrorMessage{
			Code:    CodeMalformedFrame,
			Message: fmt.Sprintf("decoding %s: %v", typ.Str, err),
		}
	}

	return msg
}
