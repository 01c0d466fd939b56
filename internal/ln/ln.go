// Package ln exposes Lightning nodes as a small capability set: create an
// invoice, read inbound capacity. CLN and LND are driven over grpc with
// hand-framed messages; the node's wire surface stays opaque above this
// package.
package ln

import (
	"context"
	"time"
)

// InvoiceParams describes the invoice a node should create. DescriptionHash
// commits to Metadata; nodes that cannot accept a raw hash receive the
// metadata string instead and hash it themselves.
type InvoiceParams struct {
	AmountMsat      uint64
	Metadata        string
	DescriptionHash [32]byte
	Memo            string
	Expiry          time.Duration
}

// NodeMetrics is the health sample taken from a node.
type NodeMetrics struct {
	InboundMsat uint64
}

// NodeClient is the capability set the balancer needs from a node.
type NodeClient interface {
	CreateInvoice(ctx context.Context, params InvoiceParams) (string, error)
	Metrics(ctx context.Context) (NodeMetrics, error)
	Close() error
}
