package store

// User is a chat user that has talked to the bot. ID is the Telegram chat id.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	RegisteredTs int64  `json:"registered_ts"`
	LastSeenTs   int64  `json:"last_seen_ts"`
}

// UpsertUser registers a user or refreshes the profile fields of a known one.
type UpsertUser struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

type FindUser struct {
	ID    *int64
	Limit *int
}

type DeleteUser struct {
	ID int64
}
