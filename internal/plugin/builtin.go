package plugin

// chatProvider and smsProvider are the two inlined providers this build
// ships (spec.md §9's "sum-type" alternative to loadable plugins): every
// service, event type, and flag the reference C library's chat.so and
// sms.so shared objects used to declare, compiled directly into this
// binary instead.
type chatProvider struct{}

func (chatProvider) Name() string        { return "chat" }
func (chatProvider) Description() string { return "multi-protocol chat and presence events" }
func (chatProvider) Service() string     { return "RTCOM_EL_SERVICE_CHAT" }
func (chatProvider) EventTypes() []string {
	return []string{
		"RTCOM_EL_EVENTTYPE_CHAT_MESSAGE",
		"RTCOM_EL_EVENTTYPE_CHAT_JOIN",
		"RTCOM_EL_EVENTTYPE_CHAT_LEAVE",
	}
}
func (chatProvider) Flags() []FlagDef {
	return []FlagDef{
		{Name: "RTCOM_EL_FLAG_CHAT_AUTOCHAT", Value: 1 << 0},
		{Name: "RTCOM_EL_FLAG_CHAT_OFFLINE", Value: 1 << 1},
	}
}

// GetValue synthesizes the chat service's two derived attributes (spec.md
// §4.6): "icon-name" from the event type and outgoing bit, "additional-text"
// marking an auto-reply when the autochat flag is set.
func (chatProvider) GetValue(row map[string]any, column string) (any, bool) {
	switch column {
	case "icon-name":
		switch row["event-type"] {
		case "RTCOM_EL_EVENTTYPE_CHAT_JOIN":
			return "chat-join", true
		case "RTCOM_EL_EVENTTYPE_CHAT_LEAVE":
			return "chat-leave", true
		default:
			if asBool(row["outgoing"]) {
				return "chat-outgoing", true
			}
			return "chat-incoming", true
		}
	case "additional-text":
		if asInt64(row["flags"])&(1<<0) != 0 {
			return "(auto-reply)", true
		}
		return nil, false
	default:
		return nil, false
	}
}

type smsProvider struct{}

func (smsProvider) Name() string        { return "sms" }
func (smsProvider) Description() string { return "SMS and MMS message events" }
func (smsProvider) Service() string     { return "RTCOM_EL_SERVICE_SMS" }
func (smsProvider) EventTypes() []string {
	return []string{
		"RTCOM_EL_EVENTTYPE_SMS_MESSAGE",
	}
}
func (smsProvider) Flags() []FlagDef {
	return []FlagDef{
		{Name: "RTCOM_EL_FLAG_SMS_REPORTED", Value: 1 << 0},
	}
}

// GetValue synthesizes the sms service's derived attributes: a constant
// icon and an "additional-text" delivery-report marker.
func (smsProvider) GetValue(row map[string]any, column string) (any, bool) {
	switch column {
	case "icon-name":
		return "sms-message", true
	case "additional-text":
		if asInt64(row["flags"])&(1<<0) != 0 {
			return "(delivery report)", true
		}
		return nil, false
	default:
		return nil, false
	}
}

// Builtins returns the providers compiled into this binary.
func Builtins() []Provider {
	return []Provider{chatProvider{}, smsProvider{}}
}

// asInt64 normalizes a flags column value regardless of which concrete
// integer type the driver scanned it as.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// asBool normalizes an events.outgoing column value, which the driver may
// scan as a bool or as a 0/1 integer depending on the storage affinity.
func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int32:
		return b != 0
	case int:
		return b != 0
	default:
		return false
	}
}
