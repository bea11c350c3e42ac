package topology

import (
	"fmt"
	"strconv"

	"github.com/shardmesh/redisproxy/internal/model"
	"github.com/shardmesh/redisproxy/internal/rerror"
)

// EncodeSlotBlob renders the <slot-blob> tail of a SETDB/SETPEER command:
// a flat, repeated "<cluster> <address> <n_ranges> <range>..." sequence,
// one block per (cluster, address) pair, per spec §6.
func EncodeSlotBlob(topo map[string]map[string][]model.SlotRange) []string {
	var out []string
	for cluster, byAddr := range topo {
		for addr, ranges := range byAddr {
			out = append(out, cluster, addr, strconv.Itoa(len(ranges)))
			for _, r := range ranges {
				out = append(out, strconv.Itoa(r.Start), strconv.Itoa(r.End))
				out = append(out, encodeTag(r.Tag)...)
			}
		}
	}
	return out
}

func encodeTag(tag model.SlotTag) []string {
	switch tag.Kind {
	case model.TagMigrating:
		return []string{"MIGRATING", tag.Meta.Src, tag.Meta.Dst, strconv.FormatUint(tag.Meta.Epoch, 10)}
	case model.TagImporting:
		return []string{"IMPORTING", tag.Meta.Src, tag.Meta.Dst, strconv.FormatUint(tag.Meta.Epoch, 10)}
	default:
		return []string{"NONE"}
	}
}

// ParseSlotBlob is the inverse of EncodeSlotBlob: it consumes the full
// argument tail and reconstructs the cluster -> address -> ranges map. It
// is a round-trippable, stable grammar (spec §6).
func ParseSlotBlob(args []string) (map[string]map[string][]model.SlotRange, error) {
	topo := make(map[string]map[string][]model.SlotRange)
	i := 0
	for i < len(args) {
		if i+3 > len(args) {
			return nil, rerror.ErrInvalidArg
		}
		cluster := args[i]
		addr := args[i+1]
		n, err := strconv.Atoi(args[i+2])
		if err != nil || n < 0 {
			return nil, rerror.ErrInvalidArg
		}
		i += 3

		ranges := make([]model.SlotRange, 0, n)
		for r := 0; r < n; r++ {
			if i+2 > len(args) {
				return nil, rerror.ErrInvalidArg
			}
			start, err1 := strconv.Atoi(args[i])
			end, err2 := strconv.Atoi(args[i+1])
			if err1 != nil || err2 != nil {
				return nil, rerror.ErrInvalidArg
			}
			i += 2

			if i >= len(args) {
				return nil, rerror.ErrInvalidArg
			}
			tag, consumed, err := parseTag(args[i:])
			if err != nil {
				return nil, err
			}
			i += consumed

			ranges = append(ranges, model.SlotRange{Start: start, End: end, Tag: tag})
		}

		if topo[cluster] == nil {
			topo[cluster] = make(map[string][]model.SlotRange)
		}
		topo[cluster][addr] = append(topo[cluster][addr], ranges...)
	}
	return topo, nil
}

func parseTag(args []string) (model.SlotTag, int, error) {
	switch args[0] {
	case "NONE":
		return model.SlotTag{Kind: model.TagNone}, 1, nil
	case "MIGRATING", "IMPORTING":
		if len(args) < 4 {
			return model.SlotTag{}, 0, rerror.ErrInvalidArg
		}
		epoch, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return model.SlotTag{}, 0, rerror.ErrInvalidArg
		}
		kind := model.TagMigrating
		if args[0] == "IMPORTING" {
			kind = model.TagImporting
		}
		return model.SlotTag{
			Kind: kind,
			Meta: model.MigrationMeta{Src: args[1], Dst: args[2], Epoch: epoch},
		}, 4, nil
	default:
		return model.SlotTag{}, 0, rerror.ErrInvalidArg
	}
}

// TaskMetaArg is the parsed <task_meta> tail of a TMPSWITCH command: the
// cluster and range the switch applies to, its tag view, and the
// sub-command to apply.
type TaskMetaArg struct {
	Cluster string
	Start   int
	End     int
	Tag     model.SlotTag
	Sub     SubCmd
}

// EncodeTMPSWITCH renders a full UMCTL TMPSWITCH command line.
func EncodeTMPSWITCH(version uint64, t TaskMetaArg) []string {
	args := []string{"UMCTL", "TMPSWITCH", strconv.FormatUint(version, 10), t.Cluster,
		strconv.Itoa(t.Start), strconv.Itoa(t.End)}
	args = append(args, encodeTag(t.Tag)...)
	args = append(args, subCmdString(t.Sub))
	return args
}

func subCmdString(s SubCmd) string {
	switch s {
	case SubPreCheck:
		return "PreCheck"
	case SubPreBlock:
		return "PreBlock"
	default:
		return "Commit"
	}
}

func parseSubCmd(s string) (SubCmd, error) {
	switch s {
	case "PreCheck":
		return SubPreCheck, nil
	case "PreBlock":
		return SubPreBlock, nil
	case "Commit":
		return SubCommit, nil
	default:
		return 0, rerror.ErrInvalidArg
	}
}

// ParseTMPSWITCH parses the args following "UMCTL TMPSWITCH": version,
// cluster, start, end, tag tokens, sub-command.
func ParseTMPSWITCH(args []string) (uint64, TaskMetaArg, error) {
	if len(args) < 5 {
		return 0, TaskMetaArg{}, rerror.ErrInvalidArg
	}
	version, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, TaskMetaArg{}, rerror.ErrInvalidArg
	}
	cluster := args[1]
	start, err1 := strconv.Atoi(args[2])
	end, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil {
		return 0, TaskMetaArg{}, rerror.ErrInvalidArg
	}
	tag, consumed, err := parseTag(args[4:])
	if err != nil {
		return 0, TaskMetaArg{}, err
	}
	rest := args[4+consumed:]
	if len(rest) != 1 {
		return 0, TaskMetaArg{}, rerror.ErrInvalidArg
	}
	sub, err := parseSubCmd(rest[0])
	if err != nil {
		return 0, TaskMetaArg{}, err
	}
	return version, TaskMetaArg{Cluster: cluster, Start: start, End: end, Tag: tag, Sub: sub}, nil
}

// ParseFlagsOrDefault wraps model.ParseFlags, surfacing the shared
// ErrInvalidArg on an unrecognized token.
func ParseFlagsOrDefault(tok string) (model.Flags, error) {
	f, err := model.ParseFlags(tok)
	if err != nil {
		return model.Flags{}, fmt.Errorf("%w: %s", rerror.ErrInvalidArg, err)
	}
	return f, nil
}
