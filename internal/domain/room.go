package domain

type Room struct {
	Name ChannelName
}
