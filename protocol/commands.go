package protocol

import "github.com/google/uuid"

// Hello is the payload of the OpHello greeting.
type Hello struct {
	// Heartbeat is the server's ping interval in whole seconds.
	Heartbeat uint64    `json:"heartbeat"`
	SessionID uuid.UUID `json:"session_id"`
}

// Identify is the payload of OpIdentify.
type Identify struct {
	Token string `json:"token" jsonschema:"minLength=1"`
}

// SubscribeToGuild is the payload of OpGuildSubscribe and OpGuildUnsubscribe.
type SubscribeToGuild struct {
	SubscribeTo string `json:"subscribe_to" jsonschema:"minLength=1"`
}

// RequestGuildData is the payload of OpGuildRequest.
type RequestGuildData struct {
	GuildID string `json:"guild_id" jsonschema:"minLength=1"`
}

// SubscriptionAck is the payload of OpSubscriptionAck.
type SubscriptionAck struct {
	Subscribed bool   `json:"subscribed"`
	GuildID    string `json:"guild_id,omitempty"`
}
