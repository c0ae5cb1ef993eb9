package wire

import (
	"math/big"
	"reflect"
	"strconv"
)

// SSH message numbers required by spec.md §6 (RFC 4253/4252/4254).
const (
	MsgDisconnect   = 1
	MsgIgnore       = 2
	MsgUnimplemented = 3
	MsgDebug        = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6

	MsgKexInit  = 20
	MsgNewKeys  = 21

	MsgKexDHInit  = 30
	MsgKexDHReply = 31

	MsgUserAuthRequest = 50
	MsgUserAuthFailure = 51
	MsgUserAuthSuccess = 52
	MsgUserAuthBanner  = 53

	MsgUserAuthInfoRequest  = 60
	MsgUserAuthInfoResponse = 61
	MsgUserAuthPubKeyOk     = 60 // shares a type number with InfoRequest; disambiguated by auth state

	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen           = 90
	MsgChannelOpenConfirm    = 91
	MsgChannelOpenFailure    = 92
	MsgChannelWindowAdjust   = 93
	MsgChannelData           = 94
	MsgChannelExtendedData   = 95
	MsgChannelEOF            = 96
	MsgChannelClose          = 97
	MsgChannelRequest        = 98
	MsgChannelSuccess        = 99
	MsgChannelFailure        = 100
)

// MsgName returns a human-readable name for a message type, used in logs
// and protocol_error messages.
func MsgName(t byte) string {
	switch t {
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgIgnore:
		return "IGNORE"
	case MsgUnimplemented:
		return "UNIMPLEMENTED"
	case MsgDebug:
		return "DEBUG"
	case MsgServiceRequest:
		return "SERVICE_REQUEST"
	case MsgServiceAccept:
		return "SERVICE_ACCEPT"
	case MsgKexInit:
		return "KEXINIT"
	case MsgNewKeys:
		return "NEWKEYS"
	case MsgKexDHInit:
		return "KEX_DH_INIT"
	case MsgKexDHReply:
		return "KEX_DH_REPLY"
	case MsgUserAuthRequest:
		return "USERAUTH_REQUEST"
	case MsgUserAuthFailure:
		return "USERAUTH_FAILURE"
	case MsgUserAuthSuccess:
		return "USERAUTH_SUCCESS"
	case MsgUserAuthBanner:
		return "USERAUTH_BANNER"
	case MsgUserAuthInfoRequest:
		return "USERAUTH_INFO_REQUEST_OR_PK_OK"
	case MsgUserAuthInfoResponse:
		return "USERAUTH_INFO_RESPONSE"
	case MsgGlobalRequest:
		return "GLOBAL_REQUEST"
	case MsgRequestSuccess:
		return "REQUEST_SUCCESS"
	case MsgRequestFailure:
		return "REQUEST_FAILURE"
	case MsgChannelOpen:
		return "CHANNEL_OPEN"
	case MsgChannelOpenConfirm:
		return "CHANNEL_OPEN_CONFIRMATION"
	case MsgChannelOpenFailure:
		return "CHANNEL_OPEN_FAILURE"
	case MsgChannelWindowAdjust:
		return "CHANNEL_WINDOW_ADJUST"
	case MsgChannelData:
		return "CHANNEL_DATA"
	case MsgChannelExtendedData:
		return "CHANNEL_EXTENDED_DATA"
	case MsgChannelEOF:
		return "CHANNEL_EOF"
	case MsgChannelClose:
		return "CHANNEL_CLOSE"
	case MsgChannelRequest:
		return "CHANNEL_REQUEST"
	case MsgChannelSuccess:
		return "CHANNEL_SUCCESS"
	case MsgChannelFailure:
		return "CHANNEL_FAILURE"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

// Message structs mirror the wire format of the corresponding SSH
// messages. They are (un)marshaled via reflection by Marshal/Unmarshal
// below; the first field's "sshtype" tag carries the message number.
// A trailing []byte field tagged `ssh:"rest"` receives whatever bytes
// remain in the packet instead of a length-prefixed string.

type DisconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

type ServiceRequestMsg struct {
	Service string `sshtype:"5"`
}

type ServiceAcceptMsg struct {
	Service string `sshtype:"6"`
}

type KexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

type KexDHInitMsg struct {
	X *big.Int `sshtype:"30"`
}

type KexDHReplyMsg struct {
	HostKey   []byte `sshtype:"31"`
	Y         *big.Int
	Signature []byte
}

type KexECDHInitMsg struct {
	ClientPubKey []byte `sshtype:"30"`
}

type KexECDHReplyMsg struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

type UserAuthRequestMsg struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
	Payload []byte `ssh:"rest"`
}

type UserAuthFailureMsg struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

type UserAuthBannerMsg struct {
	Message  string `sshtype:"53"`
	Language string
}

type UserAuthInfoRequestMsg struct {
	Name        string `sshtype:"60"`
	Instruction string
	Language    string
	NumPrompts  uint32
	Prompts     []byte `ssh:"rest"`
}

type UserAuthInfoResponseMsg struct {
	NumResponses uint32 `sshtype:"61"`
	Responses    []byte `ssh:"rest"`
}

type UserAuthPubKeyOkMsg struct {
	Algo   string `sshtype:"60"`
	PubKey []byte
}

type GlobalRequestMsg struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

type RequestSuccessMsg struct {
	Data []byte `ssh:"rest" sshtype:"81"`
}

type RequestFailureMsg struct {
	Data []byte `ssh:"rest" sshtype:"82"`
}

type ChannelOpenMsg struct {
	ChanType      string `sshtype:"90"`
	PeersID       uint32
	PeersWindow   uint32
	MaxPacketSize uint32
	TypeSpecific  []byte `ssh:"rest"`
}

type ChannelOpenConfirmMsg struct {
	PeersID       uint32 `sshtype:"91"`
	MyID          uint32
	MyWindow      uint32
	MaxPacketSize uint32
	TypeSpecific  []byte `ssh:"rest"`
}

type ChannelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   uint32
	Message  string
	Language string
}

// ChannelDataMsg and ChannelExtendedDataMsg are marshaled directly by
// Channel.Write/WriteExtended but never routed through Decode: the
// connection dispatch loop parses CHANNEL_DATA and CHANNEL_EXTENDED_DATA
// itself to avoid an extra payload copy on the hot path.
type ChannelDataMsg struct {
	PeersID uint32 `sshtype:"94"`
	Data    []byte
}

type ChannelExtendedDataMsg struct {
	PeersID      uint32 `sshtype:"95"`
	DataTypeCode uint32
	Data         []byte
}

type WindowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

type ChannelEOFMsg struct {
	PeersID uint32 `sshtype:"96"`
}

type ChannelCloseMsg struct {
	PeersID uint32 `sshtype:"97"`
}

type ChannelRequestMsg struct {
	PeersID      uint32 `sshtype:"98"`
	Request      string
	WantReply    bool
	TypeSpecific []byte `ssh:"rest"`
}

type ChannelSuccessMsg struct {
	PeersID uint32 `sshtype:"99"`
}

type ChannelFailureMsg struct {
	PeersID uint32 `sshtype:"100"`
}

type UnimplementedMsg struct {
	RejectedSeq uint32 `sshtype:"3"`
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// typeTag extracts the message number from a struct's first-field
// "sshtype" tag, or 0 if absent.
func typeTag(t reflect.Type) byte {
	if t.NumField() == 0 {
		return 0
	}
	tag := t.Field(0).Tag.Get("sshtype")
	n, err := strconv.Atoi(tag)
	if err != nil {
		return 0
	}
	return byte(n)
}

// Marshal serializes msg (a pointer to, or value of, one of the message
// structs above) into an SSH payload, including the leading message-type
// byte if the struct declares one.
func Marshal(msg interface{}) []byte {
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	w := &Writer{buf: make([]byte, 0, 64)}
	if mt := typeTag(t); mt != 0 {
		w.buf = append(w.buf, mt)
	}

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		switch field.Kind() {
		case reflect.Bool:
			w.WriteBool(field.Bool())
		case reflect.Array:
			for j := 0; j < field.Len(); j++ {
				w.buf = append(w.buf, byte(field.Index(j).Uint()))
			}
		case reflect.Uint32:
			w.WriteUint32(uint32(field.Uint()))
		case reflect.Uint64:
			w.WriteUint64(field.Uint())
		case reflect.String:
			w.WriteString(field.String())
		case reflect.Slice:
			switch field.Type().Elem().Kind() {
			case reflect.Uint8:
				if t.Field(i).Tag.Get("ssh") == "rest" {
					w.Raw(field.Bytes())
				} else {
					w.WriteBytes(field.Bytes())
				}
			case reflect.String:
				n := field.Len()
				names := make([]string, n)
				for j := 0; j < n; j++ {
					names[j] = field.Index(j).String()
				}
				w.WriteNameList(names)
			default:
				panic("wire: marshal: slice of unsupported element type")
			}
		case reflect.Ptr:
			if field.Type() == bigIntType {
				n, _ := field.Interface().(*big.Int)
				w.WriteMPInt(n)
			} else {
				panic("wire: marshal: pointer to unsupported type")
			}
		default:
			panic("wire: marshal: unsupported field kind " + field.Kind().String())
		}
	}
	return w.Bytes()
}

// Unmarshal parses packet into out, a pointer to one of the message
// structs above. If the struct declares an sshtype, packet's first byte
// must match it (an UnexpectedMessageError is returned otherwise) and is
// then consumed; every remaining field is decoded in declaration order.
func Unmarshal(out interface{}, packet []byte) error {
	v := reflect.ValueOf(out).Elem()
	t := v.Type()
	expected := typeTag(t)

	if expected != 0 {
		if len(packet) == 0 {
			return ErrMalformedPacket
		}
		if packet[0] != expected {
			return UnexpectedMessageError{Expected: expected, Got: packet[0]}
		}
		packet = packet[1:]
	}
	r := &Reader{buf: packet}

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		switch field.Kind() {
		case reflect.Bool:
			b, err := r.ReadBool()
			if err != nil {
				return err
			}
			field.SetBool(b)
		case reflect.Array:
			if field.Type().Elem().Kind() != reflect.Uint8 {
				panic("wire: unmarshal: array of non-byte")
			}
			n := field.Len()
			if r.Len() < n {
				return ErrMalformedPacket
			}
			for j := 0; j < n; j++ {
				field.Index(j).Set(reflect.ValueOf(r.buf[j]))
			}
			r.buf = r.buf[n:]
		case reflect.Uint32:
			n, err := r.ReadUint32()
			if err != nil {
				return err
			}
			field.SetUint(uint64(n))
		case reflect.Uint64:
			n, err := r.ReadUint64()
			if err != nil {
				return err
			}
			field.SetUint(n)
		case reflect.String:
			s, err := r.ReadString()
			if err != nil {
				return err
			}
			field.SetString(string(s))
		case reflect.Slice:
			switch field.Type().Elem().Kind() {
			case reflect.Uint8:
				if t.Field(i).Tag.Get("ssh") == "rest" {
					field.SetBytes(r.Rest())
				} else {
					s, err := r.ReadString()
					if err != nil {
						return err
					}
					b := make([]byte, len(s))
					copy(b, s)
					field.SetBytes(b)
				}
			case reflect.String:
				names, err := r.ReadNameList()
				if err != nil {
					return err
				}
				field.Set(reflect.ValueOf(names))
			default:
				panic("wire: unmarshal: slice of unsupported element type")
			}
		case reflect.Ptr:
			if field.Type() == bigIntType {
				n, err := r.ReadMPInt()
				if err != nil {
					return err
				}
				field.Set(reflect.ValueOf(n))
			} else {
				panic("wire: unmarshal: pointer to unsupported type")
			}
		default:
			panic("wire: unmarshal: unsupported field kind " + field.Kind().String())
		}
	}
	return nil
}

// Decode inspects packet's message-type byte and returns a freshly
// allocated, fully populated message struct of the matching Go type, for
// the message types listed in its switch. Other types, among them
// CHANNEL_DATA/EXTENDED_DATA, the KEX DH/ECDH messages, NEWKEYS, IGNORE,
// DEBUG, UNIMPLEMENTED and USERAUTH_INFO_RESPONSE, return an
// UnexpectedMessageError. The publickey "probe OK" response
// (userauth_pk_ok) shares message number 60 with userauth_info_request;
// callers that are mid-publickey-probe should call Unmarshal directly
// into UserAuthPubKeyOkMsg instead of going through Decode.
func Decode(packet []byte) (interface{}, error) {
	if len(packet) == 0 {
		return nil, ErrMalformedPacket
	}
	var msg interface{}
	switch packet[0] {
	case MsgDisconnect:
		msg = new(DisconnectMsg)
	case MsgServiceRequest:
		msg = new(ServiceRequestMsg)
	case MsgServiceAccept:
		msg = new(ServiceAcceptMsg)
	case MsgKexInit:
		msg = new(KexInitMsg)
	case MsgUserAuthRequest:
		msg = new(UserAuthRequestMsg)
	case MsgUserAuthFailure:
		msg = new(UserAuthFailureMsg)
	case MsgUserAuthBanner:
		msg = new(UserAuthBannerMsg)
	case MsgUserAuthInfoRequest:
		msg = new(UserAuthInfoRequestMsg)
	case MsgGlobalRequest:
		msg = new(GlobalRequestMsg)
	case MsgRequestSuccess:
		msg = new(RequestSuccessMsg)
	case MsgRequestFailure:
		msg = new(RequestFailureMsg)
	case MsgChannelOpen:
		msg = new(ChannelOpenMsg)
	case MsgChannelOpenConfirm:
		msg = new(ChannelOpenConfirmMsg)
	case MsgChannelOpenFailure:
		msg = new(ChannelOpenFailureMsg)
	case MsgChannelWindowAdjust:
		msg = new(WindowAdjustMsg)
	case MsgChannelEOF:
		msg = new(ChannelEOFMsg)
	case MsgChannelClose:
		msg = new(ChannelCloseMsg)
	case MsgChannelRequest:
		msg = new(ChannelRequestMsg)
	case MsgChannelSuccess:
		msg = new(ChannelSuccessMsg)
	case MsgChannelFailure:
		msg = new(ChannelFailureMsg)
	default:
		return nil, UnexpectedMessageError{Got: packet[0]}
	}
	if err := Unmarshal(msg, packet); err != nil {
		return nil, err
	}
	return msg, nil
}
