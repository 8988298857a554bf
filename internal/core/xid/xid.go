// Package xid handles global transaction identifiers issued by the coordinator.
//
// An XID has the form "host:port:transactionId". The undo log of a branch is
// keyed by a single int64 derived from the XID and the branch id, so the
// forward recorder and the rollback path must agree on GlobalID.
package xid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrMalformed is returned when an XID does not have the host:port:id shape.
var ErrMalformed = errors.New("malformed xid")

// XID is a parsed global transaction identifier.
type XID struct {
	Host          string
	Port          int
	TransactionID int64
}

// String renders the XID in its wire form.
func (x XID) String() string {
	return fmt.Sprintf("%s:%d:%d", x.Host, x.Port, x.TransactionID)
}

// Parse validates and splits an XID string.
func Parse(s string) (XID, error) {
	// host may itself contain ':' (IPv6), so split from the right.
	last := strings.LastIndexByte(s, ':')
	if last <= 0 {
		return XID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	mid := strings.LastIndexByte(s[:last], ':')
	if mid <= 0 {
		return XID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	port, err := strconv.Atoi(s[mid+1 : last])
	if err != nil || port <= 0 || port > math.MaxUint16 {
		return XID{}, fmt.Errorf("%w: bad port in %q", ErrMalformed, s)
	}
	txID, err := strconv.ParseInt(s[last+1:], 10, 64)
	if err != nil || txID < 0 {
		return XID{}, fmt.Errorf("%w: bad transaction id in %q", ErrMalformed, s)
	}

	return XID{Host: s[:mid], Port: port, TransactionID: txID}, nil
}

// GlobalID combines an XID and a branch id into the undo-log row id.
// The result is always non-negative.
func GlobalID(xid string, branchID int64) int64 {
	h := xxhash.New()
	_, _ = h.WriteString(xid)
	_, _ = h.WriteString("#")
	_, _ = h.WriteString(strconv.FormatInt(branchID, 10))
	return int64(h.Sum64() & math.MaxInt64)
}
