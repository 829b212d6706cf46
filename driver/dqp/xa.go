package dqp

import (
	"encoding/hex"
	"fmt"
)

// XA flags.
const (
	TMNoFlags    = 0x00000000
	TMJoin       = 0x00200000
	TMEndRScan   = 0x00800000
	TMStartRScan = 0x01000000
	TMSuspend    = 0x02000000
	TMSuccess    = 0x04000000
	TMResume     = 0x08000000
	TMFail       = 0x20000000
	TMOnePhase   = 0x40000000
)

// XA prepare results.
const (
	XAOk       = 0
	XAReadOnly = 3
)

// XID identifies a distributed (XA) transaction branch.
type XID struct {
	FormatID        int32  `msgpack:"formatID"`
	GlobalTxnID     []byte `msgpack:"gtrid"`
	BranchQualifier []byte `msgpack:"bqual"`
}

func (x XID) String() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GlobalTxnID), hex.EncodeToString(x.BranchQualifier))
}

// Equal returns true if x and y identify the same transaction branch.
func (x XID) Equal(y XID) bool {
	return x.FormatID == y.FormatID && string(x.GlobalTxnID) == string(y.GlobalTxnID) && string(x.BranchQualifier) == string(y.BranchQualifier)
}
