package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Medium identifies the physical storage class a range resides on.
type Medium int8

const (
	MediumUnset Medium = -1
	MediumFast  Medium = 0
	MediumSlow  Medium = 1
)

func (m Medium) String() string {
	switch m {
	case MediumFast:
		return "fast"
	case MediumSlow:
		return "slow"
	case MediumUnset:
		return "unset"
	default:
		return "unknown"
	}
}

// ParseMedium accepts the names produced by String and the numeric values.
func ParseMedium(s string) (Medium, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast", "ssd", "0":
		return MediumFast, nil
	case "slow", "hdd", "1":
		return MediumSlow, nil
	case "unset", "-1":
		return MediumUnset, nil
	}
	return MediumUnset, fmt.Errorf("unknown medium %q", s)
}

func (m Medium) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Medium) UnmarshalText(b []byte) error {
	v, err := ParseMedium(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// OpKind identifies which access table an I/O event is counted in.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpMmapMapped
	OpMmapRaw
)

// OpKinds lists every kind in table order.
var OpKinds = []OpKind{OpRead, OpWrite, OpMmapMapped, OpMmapRaw}

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpMmapMapped:
		return "mmap"
	case OpMmapRaw:
		return "rmap"
	default:
		return "unknown"
	}
}

func ParseOpKind(s string) (OpKind, error) {
	for _, k := range OpKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return OpRead, fmt.Errorf("unknown op kind %q", s)
}

func (k OpKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OpKind) UnmarshalText(b []byte) error {
	v, err := ParseOpKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// RelocationRequest asks the data mover to place an inclusive block range
// of a file on Target. It is advisory; the mover decides when to act.
type RelocationRequest struct {
	File       string `json:"file"`
	FirstBlock uint64 `json:"first_block"`
	LastBlock  uint64 `json:"last_block"`
	BlockSize  uint32 `json:"block_size"`
	Target     Medium `json:"target"`
}

// Blocks returns the number of blocks covered by the request.
func (r RelocationRequest) Blocks() uint64 {
	return r.LastBlock - r.FirstBlock + 1
}

// AccessEvent reports one block access by the I/O path. Size and BlockSize
// refresh the file's metadata when non-zero.
type AccessEvent struct {
	File      string `json:"file"`
	Op        OpKind `json:"op"`
	Block     uint64 `json:"block"`
	Size      int64  `json:"size,omitempty"`
	BlockSize uint32 `json:"block_size,omitempty"`
}

// PlacementEvent reports that the write path placed a byte range on Medium.
type PlacementEvent struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Medium Medium `json:"medium"`
}

// DecodeBatch decodes either a single JSON object or an array of them.
func DecodeBatch[T any](data []byte) ([]T, error) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		var out []T
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
