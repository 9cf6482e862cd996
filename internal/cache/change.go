package cache

import "fmt"

// Kind names one entity table.
type Kind string

const (
	KindGuild    Kind = "guild"
	KindChannel  Kind = "channel"
	KindMember   Kind = "member"
	KindPresence Kind = "presence"
	KindMessage  Kind = "message"
	KindUser     Kind = "user"
)

// Op classifies what Apply did to one entity.
type Op int

const (
	OpNone Op = iota
	OpCreate
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Change records one entity mutation. Prior is nil when the entity was
// absent; Value is nil after a delete.
type Change struct {
	Kind  Kind
	Op    Op
	Key   string
	Prior any
	Value any
}
