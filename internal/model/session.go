package model

type UserStatus string

const (
	UserStatusActive UserStatus = "active"
	UserStatusAway   UserStatus = "away"
)

func (s UserStatus) Valid() bool {
	return s == UserStatusActive || s == UserStatusAway
}

// PresenceState is what peers observe; offline has no stored session.
type PresenceState string

const (
	PresenceActive  PresenceState = "active"
	PresenceAway    PresenceState = "away"
	PresenceOffline PresenceState = "offline"
)

// Profile holds the display fields copied into a session at connect time.
type Profile struct {
	UserName  string `json:"userName"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// UserSession is stored as JSON under users:{id}. Field names match the
// payload existing deployments already write.
type UserSession struct {
	ID               string     `json:"id"`
	SocketID         string     `json:"socketId"`
	PreviousSocketID string     `json:"previousSocketId,omitempty"`
	UserName         string     `json:"userName"`
	FirstName        string     `json:"firstName"`
	LastName         string     `json:"lastName"`
	Status           UserStatus `json:"status"`
}

func (s *UserSession) Profile() Profile {
	return Profile{
		UserName:  s.UserName,
		FirstName: s.FirstName,
		LastName:  s.LastName,
	}
}

// PresenceEvent is published on the presence channel whenever a user's
// observable state changes.
type PresenceEvent struct {
	UserID    string        `json:"userId"`
	UserName  string        `json:"userName,omitempty"`
	State     PresenceState `json:"state"`
	Timestamp int64         `json:"timestamp"`
}
