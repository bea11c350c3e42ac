// Package slot computes Redis cluster hash slots and maintains the flat
// slot -> backend lookup table used by the router.
package slot

import "sort"

// NumSlots is the fixed size of the Redis cluster slot space.
const NumSlots = 16384

// crc16Table is the CRC16-XMODEM lookup table.
var crc16Table = [256]uint16{
	0x0000, 0x1021, 0x2042, 0x3063, 0x4084, 0x50a5, 0x60c6, 0x70e7,
	0x8108, 0x9129, 0xa14a, 0xb16b, 0xc18c, 0xd1ad, 0xe1ce, 0xf1ef,
	0x1231, 0x0210, 0x3273, 0x2252, 0x52b5, 0x4294, 0x72f7, 0x62d6,
	0x9339, 0x8318, 0xb37b, 0xa35a, 0xd3bd, 0xc39c, 0xf3ff, 0xe3de,
	0x2462, 0x3443, 0x0420, 0x1401, 0x64e6, 0x74c7, 0x44a4, 0x5485,
	0xa56a, 0xb54b, 0x8528, 0x9509, 0xe5ee, 0xf5cf, 0xc5ac, 0xd58d,
	0x3653, 0x2672, 0x1611, 0x0630, 0x76d7, 0x66f6, 0x5695, 0x46b4,
	0xb75b, 0xa77a, 0x9719, 0x8738, 0xf7df, 0xe7fe, 0xd79d, 0xc7bc,
	0x48c4, 0x58e5, 0x6886, 0x78a7, 0x0840, 0x1861, 0x2802, 0x3823,
	0xc9cc, 0xd9ed, 0xe98e, 0xf9af, 0x8948, 0x9969, 0xa90a, 0xb92b,
	0x5af5, 0x4ad4, 0x7ab7, 0x6a96, 0x1a71, 0x0a50, 0x3a33, 0x2a12,
	0xdbfd, 0xcbdc, 0xfbbf, 0xeb9e, 0x9b79, 0x8b58, 0xbb3b, 0xab1a,
	0x6ca6, 0x7c87, 0x4ce4, 0x5cc5, 0x2c22, 0x3c03, 0x0c60, 0x1c41,
	0xedae, 0xfd8f, 0xcdec, 0xddcd, 0xad2a, 0xbd0b, 0x8d68, 0x9d49,
	0x7e97, 0x6eb6, 0x5ed5, 0x4ef4, 0x3e13, 0x2e32, 0x1e51, 0x0e70,
	0xff9f, 0xefbe, 0xdfdd, 0xcffc, 0xbf1b, 0xaf3a, 0x9f59, 0x8f78,
	0x9188, 0x81a9, 0xb1ca, 0xa1eb, 0xd10c, 0xc12d, 0xf14e, 0xe16f,
	0x1080, 0x00a1, 0x30c2, 0x20e3, 0x5004, 0x4025, 0x7046, 0x6067,
	0x83b9, 0x9398, 0xa3fb, 0xb3da, 0xc33d, 0xd31c, 0xe37f, 0xf35e,
	0x02b1, 0x1290, 0x22f3, 0x32d2, 0x4235, 0x5214, 0x6277, 0x7256,
	0xb5ea, 0xa5cb, 0x95a8, 0x8589, 0xf56e, 0xe54f, 0xd52c, 0xc50d,
	0x34e2, 0x24c3, 0x14a0, 0x0481, 0x7466, 0x6447, 0x5424, 0x4405,
	0xa7db, 0xb7fa, 0x8799, 0x97b8, 0xe75f, 0xf77e, 0xc71d, 0xd73c,
	0x26d3, 0x36f2, 0x0691, 0x16b0, 0x6657, 0x7676, 0x4615, 0x5634,
	0xd94c, 0xc96d, 0xf90e, 0xe92f, 0x99c8, 0x89e9, 0xb98a, 0xa9ab,
	0x5844, 0x4865, 0x7806, 0x6827, 0x18c0, 0x08e1, 0x3882, 0x28a3,
	0xcb7d, 0xdb5c, 0xeb3f, 0xfb1e, 0x8bf9, 0x9bd8, 0xabbb, 0xbb9a,
	0x4a75, 0x5a54, 0x6a37, 0x7a16, 0x0af1, 0x1ad0, 0x2ab3, 0x3a92,
	0xfd2e, 0xed0f, 0xdd6c, 0xcd4d, 0xbdaa, 0xad8b, 0x9de8, 0x8dc9,
	0x7c26, 0x6c07, 0x5c64, 0x4c45, 0x3ca2, 0x2c83, 0x1ce0, 0x0cc1,
	0xef1f, 0xff3e, 0xcf5d, 0xdf7c, 0xaf9b, 0xbfba, 0x8fd9, 0x9ff8,
	0x6e17, 0x7e36, 0x4e55, 0x5e74, 0x2e93, 0x3eb2, 0x0ed1, 0x1ef0,
}

func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[(crc>>8)^uint16(b)]
	}
	return crc
}

// HashTag extracts the Redis cluster hashtag substring from key: the
// content strictly between the first '{' and the first '}' that follows
// it, if that content is non-empty. Otherwise the whole key is returned.
func HashTag(key string) string {
	start := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '{' {
			start = i
			break
		}
	}
	if start == -1 {
		return key
	}
	end := -1
	for i := start + 1; i < len(key); i++ {
		if key[i] == '}' {
			end = i
			break
		}
	}
	if end == -1 || end == start+1 {
		return key
	}
	return key[start+1 : end]
}

// Of computes the cluster slot for key, honoring the {tag} hashtag rule.
func Of(key string) int {
	tag := HashTag(key)
	return int(crc16([]byte(tag))) % NumSlots
}

// Range is a half-open slot interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Map is the flat slot -> backend-address lookup table. It is built once
// from a map<address, []Range> and then only ever read; callers that need
// to change ownership build a new Map and swap it in (see topology.MetaMap).
type Map struct {
	backends []string // side vector of distinct backend addresses
	slots    [NumSlots]int16
}

const noBackend int16 = -1

// NewMap builds a Map from a set of backend addresses to the slot ranges
// they own. Ranges must not overlap; if they do, the address that sorts
// later wins for the overlapping slots (last-writer-wins) — the
// caller is expected to have validated non-overlap upstream and log if
// it didn't. end is clamped to NumSlots rather than trusted, since a
// range that runs past the slot space must never wrap or spin.
func NewMap(owners map[string][]Range) *Map {
	m := &Map{}
	for i := range m.slots {
		m.slots[i] = noBackend
	}
	// Deterministic backend index assignment keeps Map.Backends() stable
	// across rebuilds with equal input, which keeps logs/tests sane.
	addrs := make([]string, 0, len(owners))
	for addr := range owners {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		idx := m.backendIndex(addr)
		for _, r := range owners[addr] {
			end := r.End
			if end > NumSlots {
				end = NumSlots
			}
			for s := r.Start; s < end; s++ {
				m.slots[s] = idx
			}
		}
	}
	return m
}

func (m *Map) backendIndex(addr string) int16 {
	for i, a := range m.backends {
		if a == addr {
			return int16(i)
		}
	}
	m.backends = append(m.backends, addr)
	return int16(len(m.backends) - 1)
}

// Backend returns the backend address owning slot, and whether one is
// assigned at all.
func (m *Map) Backend(slot int) (string, bool) {
	if slot < 0 || slot >= NumSlots {
		return "", false
	}
	idx := m.slots[slot]
	if idx == noBackend {
		return "", false
	}
	return m.backends[idx], true
}

// Backends returns every distinct backend address referenced by the map.
func (m *Map) Backends() []string {
	out := make([]string, len(m.backends))
	copy(out, m.backends)
	return out
}

// RangesFor returns the contiguous slot ranges owned by addr, in
// ascending order, for CLUSTER NODES/SLOTS rendering.
func (m *Map) RangesFor(addr string) []Range {
	idx := int16(-1)
	for i, a := range m.backends {
		if a == addr {
			idx = int16(i)
			break
		}
	}
	if idx == noBackend {
		return nil
	}
	var out []Range
	start := -1
	for s := 0; s < NumSlots; s++ {
		if m.slots[s] == idx {
			if start == -1 {
				start = s
			}
			continue
		}
		if start != -1 {
			out = append(out, Range{Start: start, End: s})
			start = -1
		}
	}
	if start != -1 {
		out = append(out, Range{Start: start, End: NumSlots})
	}
	return out
}

// KeyOf extracts the routing key from a command's argument vector: the
// first argument, by the policy in spec §4.3 (multi-key commands route on
// their first key; callers with no key argument should not call KeyOf).
func KeyOf(args []string) (string, bool) {
	if len(args) < 2 {
		return "", false
	}
	return args[1], true
}
