package protocol

// Guild is the full view of a guild as seen by the identified user.
type Guild struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Icon           string    `json:"icon"`
	Channels       []Channel `json:"channels"`
	Roles          []Role    `json:"roles"`
	Settings       string    `json:"settings"`
	Owner          string    `json:"owner"`
	MemberCount    int32     `json:"member_count"`
	Shard          int32     `json:"shard"`
	AuthedUser     Member    `json:"authed_user"`
	BotPermissions uint64    `json:"bot_permissions"`
}

type Channel struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Type                  uint8  `json:"type"`
	ParentID              string `json:"parent_id"`
	Position              int32  `json:"position"`
	CalculatedPermissions uint64 `json:"calculated_permissions"`
}

type Role struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Position   int32  `json:"position"`
	Permission uint64 `json:"permission"`
	Color      uint64 `json:"color"`
}

type Member struct {
	Nickname *string  `json:"nickname"`
	Roles    []string `json:"roles"`
}

type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Icon          string `json:"icon"`
	Discriminator string `json:"discriminator"`
}

type PartialGuild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// Ready is the payload of the READY dispatch.
type Ready struct {
	User   User           `json:"user"`
	Guilds []PartialGuild `json:"guilds"`
}
