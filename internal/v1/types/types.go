package types

import (
	"context"

	"github.com/padsync/collab/internal/v1/auth"
	"github.com/padsync/collab/internal/v1/protocol"
)

// --- Core Domain Types ---

// RoomIDType represents a unique identifier for a collaboration room.
type RoomIDType string

// ClientIDType represents a unique identifier for a client connection.
// It is assigned by the client and unique only within a room.
type ClientIDType string

// --- Shared Interfaces ---

// ClientConn defines the behavior the room layer requires from a connected
// client. This allows the room package to interact with clients without
// depending on the transport package.
type ClientConn interface {
	GetID() ClientIDType
	SetID(ClientIDType)
	Send(msg *protocol.Message)
	SendRaw(data []byte)
	Disconnect()
}

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Snapshot is an archived copy of a room's authoritative document.
type Snapshot struct {
	RoomID  string
	Version int64
	Doc     []byte
}

// Archiver persists latest-document snapshots for operational recovery and
// inspection. It never participates in the version/history invariants; saves
// are fire-and-forget and a nil Archiver disables archiving entirely.
type Archiver interface {
	SaveSnapshot(ctx context.Context, roomID string, version int64, doc []byte) error
	LoadSnapshot(ctx context.Context, roomID string) (*Snapshot, error)
	Ping(ctx context.Context) error
	Close() error
}
