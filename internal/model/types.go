// Package model holds the value types shared across the event-log store:
// events, their attachments and headers, remote-party identity, and the
// lookup-table rows that classify them.
package model

import "time"

// Event is the fundamental record: one communication occurrence tied to a
// service (protocol account) and an event type.
type Event struct {
	ID             int64
	ServiceID      int64
	EventTypeID    int64
	StorageTime    time.Time
	StartTime      time.Time
	EndTime        *time.Time
	IsRead         bool
	Outgoing       bool
	Flags          int64
	BytesSent      int64
	BytesReceived  int64
	LocalUID       string
	LocalName      string
	RemoteUID      string
	RemoteName     string
	RemoteEbookUID string
	Channel        string
	FreeText       string
	GroupUID       string

	// Service and EventType carry the human-readable names a caller used
	// to build the event; Insert resolves them to ServiceID/EventTypeID
	// and does not require them to be set when both ids are already known.
	Service   string
	EventType string
}

// Remote is the identity record for a remote party on a given local
// account. At most one Remote row exists per (LocalUID, RemoteUID) pair.
type Remote struct {
	LocalUID       string
	RemoteUID      string
	RemoteName     string
	RemoteEbookUID string
}

// Header is an arbitrary string key/value pair attached to an Event.
type Header struct {
	EventID int64
	Name    string
	Value   string
}

// Attachment references a file copied into a per-event private directory.
type Attachment struct {
	ID          int64
	EventID     int64
	Path        string
	Description string
}

// Service is a named protocol/account class, e.g. "CHAT" or "SMS".
type Service struct {
	ID          int64
	Name        string
	Description string
	PluginID    int64
}

// EventType is a named kind of event within the ecosystem, e.g. an inbound
// message, an outbound message, a join, a leave.
type EventType struct {
	ID       int64
	Name     string
	PluginID int64
}

// Flag is a named bit within the Event flag bitmask, scoped to a service.
type Flag struct {
	ID        int64
	Name      string
	ServiceID int64
	Value     int64
}

// Plugin is a registration record for a schema-extending provider.
type Plugin struct {
	ID   int64
	Name string
}

// GroupCache is the derived per-group aggregate: newest event id in the
// group, the group's service, total events, read events, and the bitwise
// OR of every event's flags.
type GroupCache struct {
	GroupUID    string
	ServiceID   int64
	EventID     int64
	TotalEvents int64
	ReadEvents  int64
	Flags       int64
}

// GroupInfo is the caller-facing projection of a GroupCache row.
type GroupInfo struct {
	GroupUID string
	Total    int64
	Unread   int64
	Flags    int64
	EventID  int64
}

// NotifyMessage is the fixed shape broadcast to cooperating processes on
// change (see spec.md §6, "Cross-process change notifications"). Empty
// string stands in for a null field; AllDeleted and RefreshHint use the
// all-empty sentinel value.
type NotifyMessage struct {
	EventID        int32
	LocalUID       string
	RemoteUID      string
	RemoteEbookUID string
	GroupUID       string
	Service        string
}

// NotifyKind enumerates the messages in spec.md §6.
type NotifyKind string

const (
	NotifyNewEvent      NotifyKind = "NewEvent"
	NotifyEventUpdated  NotifyKind = "EventUpdated"
	NotifyEventDeleted  NotifyKind = "EventDeleted"
	NotifyAllDeleted    NotifyKind = "AllDeleted"
	NotifyRefreshHint   NotifyKind = "RefreshHint"
	NotifyDbReopen      NotifyKind = "DbReopen"
)
