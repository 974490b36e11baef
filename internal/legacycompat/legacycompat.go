// Package legacycompat rewrites deprecated event-type names to their
// current name plus an outgoing bit before they reach the lookup cache,
// so that callers built against the pre-migration event-type vocabulary
// keep working against a migrated database (spec.md §4.4, §9).
package legacycompat

// rewrite maps a deprecated "<SERVICE>_<KIND>_INBOUND"/"_OUTBOUND" event
// type name to its folded "<SERVICE>_<KIND>_MESSAGE" replacement. Entries
// mirror the table the v0→v1 migration itself applies in
// internal/schema/migrate.go, so the compatibility layer and the
// migration never disagree about naming.
var rewrite = map[string]struct {
	name     string
	outgoing bool
}{
	"RTCOM_EL_EVENTTYPE_CHAT_INBOUND":  {"RTCOM_EL_EVENTTYPE_CHAT_MESSAGE", false},
	"RTCOM_EL_EVENTTYPE_CHAT_OUTBOUND": {"RTCOM_EL_EVENTTYPE_CHAT_MESSAGE", true},
	"RTCOM_EL_EVENTTYPE_SMS_INBOUND":   {"RTCOM_EL_EVENTTYPE_SMS_MESSAGE", false},
	"RTCOM_EL_EVENTTYPE_SMS_OUTBOUND":  {"RTCOM_EL_EVENTTYPE_SMS_MESSAGE", true},
}

// Rewrite resolves a possibly-deprecated event-type name. It returns the
// (possibly unchanged) name, whether the outgoing bit should be forced on
// because of the rewrite, and whether a rewrite applied at all.
func Rewrite(eventType string) (name string, outgoing, rewritten bool) {
	if r, ok := rewrite[eventType]; ok {
		return r.name, r.outgoing, true
	}
	return eventType, false, false
}
