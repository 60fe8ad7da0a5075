package database

// Record is one canonical, normalized message as persisted in the messages
// table. Identity is the composite (SourceID, MessageID) pair; a record is
// derived exactly once per pair and never mutated afterwards.
//
// UTCDate and LocalDate carry the same instant rendered with an explicit
// offset: UTCDate fixed at +0000, LocalDate in the configured target zone
// including its DST offset (e.g. "2023-10-07 09:30:00+0300"). Hour,
// DayOfWeek, Month and WeekOfYear are derived from the local rendering.
type Record struct {
	SourceID  string
	MessageID int

	UTCDate   string
	LocalDate string

	Text         string
	SenderID     *int64
	ReplyToMsgID *int64

	ForwardedFrom *ForwardInfo
	ForwardCount  *int

	MediaType       *string
	MediaAttributes map[string]any

	Entities  []Entity
	Views     *int
	Reactions []Reaction

	Hour       int
	DayOfWeek  int // 0=Monday .. 6=Sunday
	Month      int
	WeekOfYear int // Sunday-start week numbering, 0-53

	WordCount  int
	EmojiCount int
}

// ForwardInfo captures provenance of a forwarded message. All fields are
// optional; the struct itself is absent when the message carries no forward
// header.
type ForwardInfo struct {
	FromID      *string `json:"forwarded_from_id"`
	ChannelID   *int64  `json:"forwarded_channel_id"`
	ChannelPost *int    `json:"forwarded_channel_post"`
	PostAuthor  *string `json:"forwarded_post_author"`
	Date        *string `json:"forwarded_date"`
}

// Entity is one formatting/link span over the message text.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// Reaction is one reaction tally. Emoji holds the emoticon for plain emoji
// reactions and a rendered string form for any other reaction payload.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}
