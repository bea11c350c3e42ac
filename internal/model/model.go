// Package model holds the wire-level and topology data types shared by the
// proxy's router, migration state machine, and coordinator: slot ranges,
// nodes, hosts, and the proxy meta envelope pushed by the coordinator.
package model

import "fmt"

// TagKind distinguishes a plain slot range from one under migration.
type TagKind int

const (
	TagNone TagKind = iota
	TagMigrating
	TagImporting
)

func (k TagKind) String() string {
	switch k {
	case TagMigrating:
		return "MIGRATING"
	case TagImporting:
		return "IMPORTING"
	default:
		return "NONE"
	}
}

// MigrationMeta names the two ends of a migrating slot range and the
// epoch at which the migration task itself was introduced.
type MigrationMeta struct {
	Src   string
	Dst   string
	Epoch uint64
}

// SlotTag carries a slot range's migration status, if any.
type SlotTag struct {
	Kind TagKind
	Meta MigrationMeta // zero value when Kind == TagNone
}

// SlotRange is a half-open slot interval with an attached migration tag.
type SlotRange struct {
	Start int
	End   int
	Tag   SlotTag
}

// Node identifies one backend process and the slot ranges it serves for a
// named logical cluster.
type Node struct {
	Address     string
	ClusterName string
	SlotRanges  []SlotRange
	ReplRole    ReplRole
}

// ReplRole distinguishes a master backend from a replica.
type ReplRole int

const (
	RoleMaster ReplRole = iota
	RoleReplica
)

// Host is a set of Nodes sharing one proxy-facing address, stamped with an
// epoch.
type Host struct {
	Address string
	Nodes   []Node
	Epoch   uint64
}

// Flags carries the single admin-protocol flag token (§6): FORCE overrides
// the epoch monotonicity check.
type Flags struct {
	Force bool
}

func (f Flags) String() string {
	if f.Force {
		return "FORCE"
	}
	return "NOFLAG"
}

// ParseFlags parses the <flags> token from an admin command.
func ParseFlags(s string) (Flags, error) {
	switch s {
	case "FORCE":
		return Flags{Force: true}, nil
	case "NOFLAG":
		return Flags{}, nil
	default:
		return Flags{}, fmt.Errorf("unknown flags token %q", s)
	}
}

// DBMeta is the proxy DB meta envelope pushed by the coordinator: what this
// proxy itself serves (Local) and what peer proxies serve (Peer), each
// keyed by cluster name then backend address.
type DBMeta struct {
	Epoch uint64
	Flags Flags
	Local map[string]map[string][]SlotRange
	Peer  map[string]map[string][]SlotRange
}
