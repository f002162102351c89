package domain

import "regexp"

var (
	participantPattern = regexp.MustCompile(`^[A-Za-z0-9\-_.@#=]{1,}$`)
	channelPattern     = regexp.MustCompile(`^[A-Za-z0-9\-].{3,}$`)
)
