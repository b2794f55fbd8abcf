// Package gxs defines the group/message data model persisted by the storage
// engine: identifiers, metadata records, security key sets, signature sets
// and the opaque payload wrappers handed in by higher service layers.
package gxs

import (
	"bytes"
	"encoding/hex"

	"github.com/pkg/errors"
)

const (
	GroupIDSize   = 16
	MessageIDSize = 20
	GxsIDSize     = 16
	PeerIDSize    = 16
)

// ErrInvalidID is returned when parsing a malformed hex identifier.
var ErrInvalidID = errors.New("invalid identifier")

// GroupID identifies a group. The zero value is the null id.
type GroupID [GroupIDSize]byte

// MessageID identifies a message within a group. The zero value is the null id.
type MessageID [MessageIDSize]byte

// GxsID identifies an author identity or a circle.
type GxsID [GxsIDSize]byte

// PeerID identifies the peer a group was received from.
type PeerID [PeerIDSize]byte

func (id GroupID) IsNull() bool   { return id == GroupID{} }
func (id MessageID) IsNull() bool { return id == MessageID{} }
func (id GxsID) IsNull() bool     { return id == GxsID{} }
func (id PeerID) IsNull() bool    { return id == PeerID{} }

func (id GroupID) String() string   { return hex.EncodeToString(id[:]) }
func (id MessageID) String() string { return hex.EncodeToString(id[:]) }
func (id GxsID) String() string     { return hex.EncodeToString(id[:]) }
func (id PeerID) String() string    { return hex.EncodeToString(id[:]) }

func (id GroupID) Less(o GroupID) bool     { return bytes.Compare(id[:], o[:]) < 0 }
func (id MessageID) Less(o MessageID) bool { return bytes.Compare(id[:], o[:]) < 0 }

// ParseGroupID parses the hex form produced by GroupID.String. The empty
// string parses to the null id.
func ParseGroupID(s string) (GroupID, error) {
	var id GroupID
	return id, parseHexID(s, id[:])
}

// ParseMessageID parses the hex form produced by MessageID.String.
func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	return id, parseHexID(s, id[:])
}

// ParseGxsID parses the hex form produced by GxsID.String.
func ParseGxsID(s string) (GxsID, error) {
	var id GxsID
	return id, parseHexID(s, id[:])
}

// ParsePeerID parses the hex form produced by PeerID.String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	return id, parseHexID(s, id[:])
}

func parseHexID(s string, dst []byte) error {
	if s == "" {
		return nil
	}
	if len(s) != 2*len(dst) {
		return errors.Wrapf(ErrInvalidID, "%q: want %d hex chars", s, 2*len(dst))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return errors.Wrapf(ErrInvalidID, "%q: %v", s, err)
	}
	return nil
}

// GroupMsgID names one message of one group.
type GroupMsgID struct {
	GroupID GroupID
	MsgID   MessageID
}
