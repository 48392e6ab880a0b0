package domain

import "time"

// Role is the part a participant plays in a consultation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// TicketRequest asks the relay for credentials to join a room.
type TicketRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   Role   `json:"role" binding:"required"`
	RoomID string `json:"roomId" binding:"required"`
}

// Ticket holds relay credentials and ICE server configuration returned by the ticket API.
type Ticket struct {
	Token      string      `json:"token"`
	UserID     string      `json:"userId"`
	Role       Role        `json:"role"`
	RoomID     string      `json:"roomId"`
	SignalPath string      `json:"signalPath"`
	ICEServers []ICEServer `json:"iceServers"`
	ExpiresAt  time.Time   `json:"expiresAt"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// DefaultICEServers are public STUN servers used when a ticket carries none.
var DefaultICEServers = []ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}
