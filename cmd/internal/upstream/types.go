package upstream

// Credentials is an upstream auth token + user id pair. Write/send calls take
// caller-supplied credentials; listing and polling use the service credential.
type Credentials struct {
	AuthToken string
	UserID    string
}

// Valid reports whether both credential fields are present.
func (c Credentials) Valid() bool {
	return c.AuthToken != "" && c.UserID != ""
}

// RawUser is the upstream sender record embedded in a raw message.
type RawUser struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// RawAttachment mirrors the upstream attachment shape.
type RawAttachment struct {
	Title     string `json:"title,omitempty"`
	TitleLink string `json:"title_link,omitempty"`
	Text      string `json:"text,omitempty"`
	Color     string `json:"color,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

// RawMessage is one upstream message record as returned by chat.syncMessages
// and chat.sendMessage.
type RawMessage struct {
	ID          string          `json:"_id"`
	RoomID      string          `json:"rid"`
	Text        string          `json:"msg"`
	User        RawUser         `json:"u"`
	TS          string          `json:"ts"`
	UpdatedAt   string          `json:"_updatedAt"`
	Alias       string          `json:"alias,omitempty"`
	Type        string          `json:"t,omitempty"`
	Attachments []RawAttachment `json:"attachments,omitempty"`
}

// RoomSummary is one upstream room record from rooms.get / dm.create.
type RoomSummary struct {
	ID         string   `json:"_id"`
	Name       string   `json:"name,omitempty"`
	Type       string   `json:"t"`
	Usernames  []string `json:"usernames,omitempty"`
	Messages   int      `json:"msgs"`
	UsersCount int      `json:"usersCount"`
	UpdatedAt  string   `json:"_updatedAt,omitempty"`
	Default    bool     `json:"default,omitempty"`
}

// UserSummary is one upstream user record from users.list.
type UserSummary struct {
	ID       string   `json:"_id"`
	Username string   `json:"username"`
	Name     string   `json:"name"`
	Type     string   `json:"type,omitempty"`
	Status   string   `json:"status,omitempty"`
	Active   bool     `json:"active"`
	Roles    []string `json:"roles,omitempty"`
}

// SendMessageInput describes one chat.sendMessage request.
type SendMessageInput struct {
	RoomID      string
	Text        string
	Credentials Credentials
	Alias       string
	Emoji       string
	Avatar      string
	Attachments []RawAttachment
}
