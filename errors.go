package telepathy

import (
	"errors"

	"github.com/chanderlud/telepathy/internal/session"
	"github.com/chanderlud/telepathy/internal/sessionmgr"
)

// Sentinel errors for the conceptual error kinds callers need to match on.
// Transport and protocol errors are re-exported from internal/session so callers can
// errors.Is against one stable set regardless of which internal package
// actually produced them.
var (
	ErrTransportSend     = session.ErrTransportSend
	ErrTransportRecv     = session.ErrTransportRecv
	ErrReceiveClosed     = session.ErrReceiveClosed
	ErrUnexpectedMessage = session.ErrUnexpectedMsg
	ErrSessionStopped    = session.ErrSessionStopped
	ErrManagerRestart    = sessionmgr.ErrManagerRestart

	ErrNoInputDevice  = errors.New("telepathy: no input device configured")
	ErrNoOutputDevice = errors.New("telepathy: no output device configured")
	ErrBuildStream    = errors.New("telepathy: failed to open audio sub-stream")
	ErrStreamConfig   = errors.New("telepathy: invalid audio stream configuration")
	ErrSwarmBuild     = errors.New("telepathy: failed to build overlay host")
	ErrInvalidEncoder = errors.New("telepathy: failed to build audio encoder")
	ErrCallEnded      = errors.New("telepathy: call has already ended")
	ErrNoSession      = errors.New("telepathy: no active session with peer")
	ErrAlreadyInCall  = errors.New("telepathy: already in a call")
)
