package telepathy

import (
	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
)

// These aliases give callers of this package one stable set of names instead
// of reaching into internal/coretypes directly.
type (
	PeerID            = overlay.PeerID
	Identity          = coretypes.Identity
	Contact           = coretypes.Contact
	NetworkConfig     = coretypes.NetworkConfig
	AudioHeader       = coretypes.AudioHeader
	Attachment        = coretypes.Attachment
	ChatMessage       = coretypes.ChatMessage
	ScreenshareConfig = coretypes.ScreenshareConfig
	RoomState         = coretypes.RoomState
	Statistics        = coretypes.Statistics
	SessionStatus     = coretypes.SessionStatus
	Callbacks         = coretypes.Callbacks
)

const (
	StatusInactive   = coretypes.StatusInactive
	StatusConnecting = coretypes.StatusConnecting
	StatusConnected  = coretypes.StatusConnected
)
