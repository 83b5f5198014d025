package model

import (
	"encoding/json"
	"errors"
	"time"
)

// Inbound announcement types.
const (
	TypeAuth           = "auth"
	TypeSubmitText     = "submit-text"
	TypeSubmitImage    = "submit-image"
	TypeSubmitAudio    = "submit-audio"
	TypeCreateCallRoom = "create-call-room"
	TypeNotifyCall     = "notify-call"
	TypeJoinCallRoom   = "join-call-room"
	TypeLeaveCallRoom  = "leave-call-room"
	TypeCallRequest    = "call-request"
	TypeCallAccept     = "call-accept"
	TypeCallReject     = "call-reject"
	TypeCallEnd        = "call-end"
)

// Outbound announcement types.
const (
	TypeConnected        = "connected"
	TypeTextReceived     = "text-received"
	TypeImageReceived    = "image-received"
	TypeAudioReceived    = "audio-received"
	TypeCallRoomCreated  = "call-room-created"
	TypeCallNotification = "call-notification"
	TypeCallIncoming     = "call-incoming"
	TypeCallAccepted     = "call-accepted"
	TypeCallRejected     = "call-rejected"
	TypeCallEnded        = "call-ended"
	TypeError            = "error"
)

// WebRTC signaling types keep the same name in both directions.
const (
	TypeWebRTCOffer        = "webrtc-offer"
	TypeWebRTCAnswer       = "webrtc-answer"
	TypeWebRTCICECandidate = "webrtc-ice-candidate"
)

var (
	ErrUnknownType      = errors.New("unknown announcement type")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingRecipient = errors.New("recipient is required")
)

// ReceivedType maps a chat event kind to the announcement type used to deliver it.
func ReceivedType(k Kind) string {
	switch k {
	case KindImage:
		return TypeImageReceived
	case KindAudio:
		return TypeAudioReceived
	default:
		return TypeTextReceived
	}
}

type (
	// AuthPayload is sent by the client as the first frame of a connection.
	AuthPayload struct {
		Username     string  `json:"username"`
		ServerOffset EventID `json:"serverOffset"`
	}

	ConnectedPayload struct {
		ConnectionID string `json:"connectionId"`
		Username     string `json:"username"`
	}

	// MessagePayload is the shape of live and replayed chat events alike.
	MessagePayload struct {
		Payload   string    `json:"payload"`
		EventID   EventID   `json:"eventId"`
		Author    string    `json:"author"`
		CreatedAt time.Time `json:"createdAt"`
	}

	RoomPayload struct {
		RoomRef  string `json:"roomRef"`
		RoomName string `json:"roomName"`
		Username string `json:"username,omitempty"`
	}

	CallPayload struct {
		Username string `json:"username,omitempty"`
	}
)

// NewMessagePayload converts a persisted event to its wire payload.
func NewMessagePayload(ev *ChatEvent) MessagePayload {
	return MessagePayload{
		Payload:   ev.Content,
		EventID:   ev.ID,
		Author:    ev.Author,
		CreatedAt: ev.CreatedAt.UTC(),
	}
}

// Inbound is one decoded client announcement. The set of implementations is closed.
type Inbound interface {
	inbound()
}

type (
	SubmitText struct {
		Text string `json:"text"`
	}

	// SubmitMedia carries an image or audio blob, either raw base64 or a data URL.
	SubmitMedia struct {
		Kind Kind   `json:"-"`
		Blob string `json:"base64Blob"`
	}

	CreateCallRoom struct{}

	NotifyCall struct {
		RoomRef  string `json:"roomRef"`
		RoomName string `json:"roomName"`
	}

	JoinCallRoom struct {
		RoomName string `json:"roomName"`
	}

	LeaveCallRoom struct {
		RoomName string `json:"roomName"`
	}

	CallRequest struct{}

	CallAccept struct {
		To string
	}

	CallReject struct {
		To string
	}

	CallEnd struct {
		To string
	}

	// Signal is a WebRTC offer, answer or ICE candidate relayed verbatim.
	Signal struct {
		Type    string
		To      string
		Payload json.RawMessage
	}
)

func (SubmitText) inbound()     {}
func (SubmitMedia) inbound()    {}
func (CreateCallRoom) inbound() {}
func (NotifyCall) inbound()     {}
func (JoinCallRoom) inbound()   {}
func (LeaveCallRoom) inbound()  {}
func (CallRequest) inbound()    {}
func (CallAccept) inbound()     {}
func (CallReject) inbound()     {}
func (CallEnd) inbound()        {}
func (Signal) inbound()         {}

// Decode turns a raw inbound announcement into its typed form.
func Decode(ann Announcement) (Inbound, error) {
	switch ann.Type {
	case TypeSubmitText:
		var in SubmitText
		return in, decodePayload(ann.Payload, &in)
	case TypeSubmitImage, TypeSubmitAudio:
		in := SubmitMedia{Kind: KindImage}
		if ann.Type == TypeSubmitAudio {
			in.Kind = KindAudio
		}
		return in, decodePayload(ann.Payload, &in)
	case TypeCreateCallRoom:
		return CreateCallRoom{}, nil
	case TypeNotifyCall:
		var in NotifyCall
		return in, decodePayload(ann.Payload, &in)
	case TypeJoinCallRoom:
		var in JoinCallRoom
		if err := decodePayload(ann.Payload, &in); err != nil {
			return in, err
		}
		if in.RoomName == "" {
			return in, ErrMalformedPayload
		}
		return in, nil
	case TypeLeaveCallRoom:
		var in LeaveCallRoom
		if err := decodePayload(ann.Payload, &in); err != nil {
			return in, err
		}
		if in.RoomName == "" {
			return in, ErrMalformedPayload
		}
		return in, nil
	case TypeCallRequest:
		return CallRequest{}, nil
	case TypeCallAccept:
		if ann.To == "" {
			return nil, ErrMissingRecipient
		}
		return CallAccept{To: ann.To}, nil
	case TypeCallReject:
		if ann.To == "" {
			return nil, ErrMissingRecipient
		}
		return CallReject{To: ann.To}, nil
	case TypeCallEnd:
		return CallEnd{To: ann.To}, nil
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCICECandidate:
		if ann.To == "" {
			return nil, ErrMissingRecipient
		}
		return Signal{Type: ann.Type, To: ann.To, Payload: ann.Payload}, nil
	}
	return nil, ErrUnknownType
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ErrMalformedPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}
	return nil
}
