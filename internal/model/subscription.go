package model

// Subscription maps a chat (user, group or room) to a notification token.
// The pair (ID, Token) is the primary key, so subscribing twice keeps one row.
type Subscription struct {
	// chat id as derived from the webhook event source
	ID    string `gorm:"primaryKey;column:id;size:64"`
	Token string `gorm:"primaryKey;column:token;size:191"`
	DBTime
}

func (Subscription) TableName() string {
	return "subs"
}
