package gossip

import (
	"strconv"
	"time"
)

// Wire protocol of the detector: probe messages and the membership deltas
// piggy-backed on them.

// Rank identifies a member within a group. Ranks are assigned once and never reused
// for a different identity; a restarted process keeps its rank and presents a
// higher incarnation.
type Rank uint32

// String renders the rank as a decimal number.
func (r Rank) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

// Status is the liveness verdict for a rank. Values are ordered so that within a
// single incarnation a greater status supersedes a lesser one.
type Status uint8

const (
	StatusAlive Status = iota
	StatusSuspect
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "alive":
		*s = StatusAlive
	case "suspect":
		*s = StatusSuspect
	case "dead":
		*s = StatusDead
	default:
		v, err := strconv.ParseUint(string(b), 10, 8)
		if err != nil {
			return err
		}
		*s = Status(v)
	}
	return nil
}

type MsgType uint8

const (
	MsgPing MsgType = iota
	MsgAck
	MsgIndirectPing
	MsgNack
	MsgGossip
)

func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgAck:
		return "ack"
	case MsgIndirectPing:
		return "indirect-ping"
	case MsgNack:
		return "nack"
	case MsgGossip:
		return "gossip"
	default:
		return "unknown"
	}
}

// Delta is one membership record as it travels on the wire.
type Delta struct {
	Rank        Rank   `json:"rank"`
	Incarnation uint64 `json:"incarnation"`
	Status      Status `json:"status"`
}

// supersedes reports whether d must replace a record holding (inc, status).
func (d Delta) supersedes(inc uint64, status Status) bool {
	if d.Incarnation != inc {
		return d.Incarnation > inc
	}
	return d.Status > status
}

// Message is exchanged between detectors. Target is only meaningful for
// MsgIndirectPing, where it names the rank the receiver must probe.
type Message struct {
	Type    MsgType `json:"type"`
	Group   string  `json:"group"`
	From    Rank    `json:"from"`
	Target  Rank    `json:"target,omitempty"`
	Deltas  []Delta `json:"deltas,omitempty"`
	Nonce   uint64  `json:"nonce"`
	SchemaV uint16  `json:"schema"`
}

const schemaVersion uint16 = 1

// Member is the locally held record for a rank.
type Member struct {
	Rank        Rank      `json:"rank"`
	Incarnation uint64    `json:"incarnation"`
	Status      Status    `json:"status"`
	LastUpdate  time.Time `json:"last_update"`
}

// Delta converts the record to its wire form.
func (m Member) Delta() Delta {
	return Delta{Rank: m.Rank, Incarnation: m.Incarnation, Status: m.Status}
}

// Event describes a change applied to the membership table.
type Event struct {
	Prev    Status
	Member  Member
	Created bool
}

// DeadTransition reports whether the change moved the rank to or away from Dead.
func (e Event) DeadTransition() bool {
	if e.Created {
		return e.Member.Status == StatusDead
	}
	return (e.Prev == StatusDead) != (e.Member.Status == StatusDead)
}
