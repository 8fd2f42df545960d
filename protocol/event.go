package protocol

// EventName names the event carried by a Dispatch envelope.
type EventName string

const (
	EventReady               EventName = "READY"
	EventGuildAccessReceived EventName = "GUILD_ACCESS_RECEIVED"
	EventGuildAccessRevoked  EventName = "GUILD_ACCESS_REVOKED"
	EventGuildDelete         EventName = "GUILD_DELETE"
	EventGuildChannelCreate  EventName = "GUILD_CHANNEL_CREATE"
	EventGuildChannelUpdate  EventName = "GUILD_CHANNEL_UPDATE"
	EventGuildChannelDelete  EventName = "GUILD_CHANNEL_DELETE"
	EventGuildRoleCreate     EventName = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate     EventName = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete     EventName = "GUILD_ROLE_DELETE"
	EventGuildData           EventName = "GUILD_DATA"
	EventGuildUpdate         EventName = "GUILD_UPDATE"
	EventPartialGuildUpdate  EventName = "PARTIAL_GUILD_UPDATE"
)

var knownEvents = map[EventName]struct{}{
	EventReady:               {},
	EventGuildAccessReceived: {},
	EventGuildAccessRevoked:  {},
	EventGuildDelete:         {},
	EventGuildChannelCreate:  {},
	EventGuildChannelUpdate:  {},
	EventGuildChannelDelete:  {},
	EventGuildRoleCreate:     {},
	EventGuildRoleUpdate:     {},
	EventGuildRoleDelete:     {},
	EventGuildData:           {},
	EventGuildUpdate:         {},
	EventPartialGuildUpdate:  {},
}

// Valid reports whether e is one of the known event names.
func (e EventName) Valid() bool {
	_, ok := knownEvents[e]
	return ok
}
