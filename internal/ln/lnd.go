package ln

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/switchgear-ln/switchgear/internal/model"
)

// lnrpc.Lightning field numbers, per the LND rpc schema.
const (
	lndInvoiceMemo      = 1
	lndInvoiceDescHash  = 10
	lndInvoiceExpiry    = 11
	lndInvoiceValueMsat = 23
	lndInvoiceIsAmp     = 27

	lndAddInvoiceRespPaymentRequest = 2

	lndChannelBalanceRemote = 4
	lndAmountMsat           = 2
)

const lndDefaultInvoiceExpiry = 3600 * time.Second

// LndClient drives an LND node over grpc. The server certificate is pinned
// to the provisioned TLS cert and every call carries the macaroon in hex.
// LND accepts a raw description hash, so invoices never carry the metadata
// itself.
type LndClient struct {
	target     string
	timeout    time.Duration
	creds      credentials.TransportCredentials
	macaroon   string
	ampInvoice bool

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewLndClient builds a client from a backend registration. The connection
// is established lazily on first use.
func NewLndClient(impl model.LndGrpcImplementation, timeout time.Duration) (*LndClient, error) {
	target, err := grpcTarget(impl.URL)
	if err != nil {
		return nil, err
	}

	pinned, err := loadPinnedCert(impl.Auth.TLSCertPath)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		// The provisioned cert is self-signed; accept exactly that
		// certificate and nothing else.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinVerifier(pinned),
	}
	if impl.SNIDomain != "" {
		tlsConfig.ServerName = impl.SNIDomain
	}

	macaroon, err := os.ReadFile(impl.Auth.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("read lnd macaroon: %w", err)
	}

	return &LndClient{
		target:     target,
		timeout:    timeout,
		creds:      credentials.NewTLS(tlsConfig),
		macaroon:   hex.EncodeToString(macaroon),
		ampInvoice: impl.AmpInvoice,
	}, nil
}

var _ NodeClient = (*LndClient)(nil)

func loadPinnedCert(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lnd tls certificate: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no pem block in lnd tls certificate %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse lnd tls certificate: %w", err)
	}
	return cert, nil
}

func pinVerifier(pinned *x509.Certificate) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("lnd presented no certificate")
		}
		if !bytes.Equal(rawCerts[0], pinned.Raw) {
			return fmt.Errorf("lnd certificate does not match pinned certificate")
		}
		return nil
	}
}

func (c *LndClient) connect() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := grpc.NewClient(c.target,
		grpc.WithTransportCredentials(c.creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial lnd %s: %w", c.target, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *LndClient) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *LndClient) invoke(ctx context.Context, method string, req rawMessage) (rawMessage, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "macaroon", c.macaroon)

	var resp rawMessage
	if err := conn.Invoke(ctx, method, &req, &resp); err != nil {
		c.disconnect()
		return nil, err
	}
	return resp, nil
}

func (c *LndClient) CreateInvoice(ctx context.Context, params InvoiceParams) (string, error) {
	expiry := params.Expiry
	if expiry == 0 {
		expiry = lndDefaultInvoiceExpiry
	}

	var req []byte
	if params.Memo != "" {
		req = protowire.AppendTag(req, lndInvoiceMemo, protowire.BytesType)
		req = protowire.AppendString(req, params.Memo)
	}
	req = protowire.AppendTag(req, lndInvoiceDescHash, protowire.BytesType)
	req = protowire.AppendBytes(req, params.DescriptionHash[:])
	req = protowire.AppendTag(req, lndInvoiceExpiry, protowire.VarintType)
	req = protowire.AppendVarint(req, uint64(expiry/time.Second))
	req = protowire.AppendTag(req, lndInvoiceValueMsat, protowire.VarintType)
	req = protowire.AppendVarint(req, params.AmountMsat)
	if c.ampInvoice {
		req = protowire.AppendTag(req, lndInvoiceIsAmp, protowire.VarintType)
		req = protowire.AppendVarint(req, 1)
	}

	resp, err := c.invoke(ctx, "/lnrpc.Lightning/AddInvoice", req)
	if err != nil {
		return "", fmt.Errorf("lnd add invoice: %w", err)
	}

	var paymentRequest string
	err = fields(resp, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num == lndAddInvoiceRespPaymentRequest && typ == protowire.BytesType {
			paymentRequest = string(value)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("lnd add invoice response: %w", err)
	}
	if paymentRequest == "" {
		return "", fmt.Errorf("lnd add invoice response missing payment request")
	}
	return paymentRequest, nil
}

func (c *LndClient) Metrics(ctx context.Context) (NodeMetrics, error) {
	resp, err := c.invoke(ctx, "/lnrpc.Lightning/ChannelBalance", nil)
	if err != nil {
		return NodeMetrics{}, fmt.Errorf("lnd channel balance: %w", err)
	}

	var inbound uint64
	err = fields(resp, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != lndChannelBalanceRemote || typ != protowire.BytesType {
			return nil
		}
		return fields(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
			if num == lndAmountMsat && typ == protowire.VarintType {
				v, err := varintField(value)
				if err != nil {
					return err
				}
				inbound = v
			}
			return nil
		})
	})
	if err != nil {
		return NodeMetrics{}, fmt.Errorf("lnd channel balance response: %w", err)
	}
	return NodeMetrics{InboundMsat: inbound}, nil
}

func (c *LndClient) Close() error {
	c.disconnect()
	return nil
}
