package launch

import (
	"fmt"
	"strings"

	"github.com/cymqqqq/oneflow/types/tensor"
)

// Signature is the compilation cache key: it captures "this subgraph,
// compiled for this device, specialized to these entry shapes".
//
// Signatures are comparable values usable as map keys. Two invocations with
// the same subgraph name, device ordinal, and identical entry shapes and
// dtypes produce equal signatures and may reuse the same compiled executable.
// Any difference in shape, dtype, entry count, or device ordinal produces a
// different signature -- there is no partial matching. Tensor contents are
// never part of the key.
type Signature struct {
	subgraphName  string
	deviceOrdinal int
	entriesKey    string
}

// NewSignature computes the signature for one invocation of the named
// subgraph on the given device ordinal with the given entry tensors.
//
// It is deterministic: it derives only from the canonical encoding of each
// entry's shape, in entry order.
func NewSignature(subgraphName string, deviceOrdinal int, entries []*tensor.Host) Signature {
	var sb strings.Builder
	for _, entry := range entries {
		sb.WriteString(entry.Shape().String())
		sb.WriteByte(';')
	}
	return Signature{
		subgraphName:  subgraphName,
		deviceOrdinal: deviceOrdinal,
		entriesKey:    sb.String(),
	}
}

// SubgraphName returns the subgraph identity part of the signature.
func (s Signature) SubgraphName() string { return s.subgraphName }

// DeviceOrdinal returns the device part of the signature.
func (s Signature) DeviceOrdinal() int { return s.deviceOrdinal }

// String implements fmt.Stringer, for error messages and logs.
func (s Signature) String() string {
	return fmt.Sprintf("%s@%d[%s]", s.subgraphName, s.deviceOrdinal, strings.TrimSuffix(s.entriesKey, ";"))
}
