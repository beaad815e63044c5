package database

import "time"

type Member struct {
	ChannelId string
	UserId    string
	Role      string
	JoinedAt  time.Time
}
