package ln

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/switchgear-ln/switchgear/internal/model"
)

// cln.Node field numbers, per the Core Lightning grpc schema.
const (
	clnInvoiceReqDescription  = 2
	clnInvoiceReqLabel        = 3
	clnInvoiceReqExpiry       = 7
	clnInvoiceReqDeschashonly = 9
	clnInvoiceReqAmount       = 10

	clnAmountOrAnyAmount = 1
	clnAmountMsat        = 1

	clnInvoiceRespBolt11 = 1

	clnListChannelsRespChannels = 1
	clnChannelState             = 3
	clnChannelReceivableMsat    = 33

	clnStateChanneldNormal = 2
)

// ClnClient drives a Core Lightning node over its grpc plugin with mTLS.
// CLN derives the description hash itself, so invoices carry the canonical
// metadata string with deschashonly set.
type ClnClient struct {
	target  string
	timeout time.Duration
	creds   credentials.TransportCredentials

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewClnClient builds a client from a backend registration. The connection
// is established lazily on first use.
func NewClnClient(impl model.ClnGrpcImplementation, timeout time.Duration) (*ClnClient, error) {
	target, err := grpcTarget(impl.URL)
	if err != nil {
		return nil, err
	}

	caPEM, err := os.ReadFile(impl.Auth.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read cln ca certificate: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates in cln ca bundle %s", impl.Auth.CACertPath)
	}
	clientCert, err := tls.LoadX509KeyPair(impl.Auth.ClientCertPath, impl.Auth.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load cln client certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		RootCAs:      roots,
		Certificates: []tls.Certificate{clientCert},
	}
	// The CLN grpc plugin issues its server certificate for "cln".
	tlsConfig.ServerName = "cln"
	if impl.SNIDomain != "" {
		tlsConfig.ServerName = impl.SNIDomain
	}

	return &ClnClient{
		target:  target,
		timeout: timeout,
		creds:   credentials.NewTLS(tlsConfig),
	}, nil
}

var _ NodeClient = (*ClnClient)(nil)

func (c *ClnClient) connect() (*grpc.ClientConn, error) {
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
		return nil, fmt.Errorf("dial cln %s: %w", c.target, err)
	}
	c.conn = conn
	return conn, nil
}

// disconnect drops the cached connection so the next call re-dials.
func (c *ClnClient) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *ClnClient) invoke(ctx context.Context, method string, req rawMessage) (rawMessage, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp rawMessage
	if err := conn.Invoke(ctx, method, &req, &resp); err != nil {
		c.disconnect()
		return nil, err
	}
	return resp, nil
}

func (c *ClnClient) CreateInvoice(ctx context.Context, params InvoiceParams) (string, error) {
	amount := protowire.AppendTag(nil, clnAmountMsat, protowire.VarintType)
	amount = protowire.AppendVarint(amount, params.AmountMsat)
	amountOrAny := protowire.AppendTag(nil, clnAmountOrAnyAmount, protowire.BytesType)
	amountOrAny = protowire.AppendBytes(amountOrAny, amount)

	label := fmt.Sprintf("%x:%d", params.DescriptionHash, time.Now().UnixNano())

	var req []byte
	req = protowire.AppendTag(req, clnInvoiceReqDescription, protowire.BytesType)
	req = protowire.AppendString(req, params.Metadata)
	req = protowire.AppendTag(req, clnInvoiceReqLabel, protowire.BytesType)
	req = protowire.AppendString(req, label)
	if params.Expiry > 0 {
		req = protowire.AppendTag(req, clnInvoiceReqExpiry, protowire.VarintType)
		req = protowire.AppendVarint(req, uint64(params.Expiry/time.Second))
	}
	req = protowire.AppendTag(req, clnInvoiceReqDeschashonly, protowire.VarintType)
	req = protowire.AppendVarint(req, 1)
	req = protowire.AppendTag(req, clnInvoiceReqAmount, protowire.BytesType)
	req = protowire.AppendBytes(req, amountOrAny)

	resp, err := c.invoke(ctx, "/cln.Node/Invoice", req)
	if err != nil {
		return "", fmt.Errorf("cln invoice: %w", err)
	}

	var bolt11 string
	err = fields(resp, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num == clnInvoiceRespBolt11 && typ == protowire.BytesType {
			bolt11 = string(value)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("cln invoice response: %w", err)
	}
	if bolt11 == "" {
		return "", fmt.Errorf("cln invoice response missing bolt11")
	}
	return bolt11, nil
}

func (c *ClnClient) Metrics(ctx context.Context) (NodeMetrics, error) {
	resp, err := c.invoke(ctx, "/cln.Node/ListPeerChannels", nil)
	if err != nil {
		return NodeMetrics{}, fmt.Errorf("cln list peer channels: %w", err)
	}

	var inbound uint64
	err = fields(resp, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != clnListChannelsRespChannels || typ != protowire.BytesType {
			return nil
		}
		var state, receivable uint64
		err := fields(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
			switch {
			case num == clnChannelState && typ == protowire.VarintType:
				v, err := varintField(value)
				if err != nil {
					return err
				}
				state = v
			case num == clnChannelReceivableMsat && typ == protowire.BytesType:
				return fields(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
					if num == clnAmountMsat && typ == protowire.VarintType {
						v, err := varintField(value)
						if err != nil {
							return err
						}
						receivable = v
					}
					return nil
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
		if state == clnStateChanneldNormal {
			inbound += receivable
		}
		return nil
	})
	if err != nil {
		return NodeMetrics{}, fmt.Errorf("cln channels response: %w", err)
	}
	return NodeMetrics{InboundMsat: inbound}, nil
}

func (c *ClnClient) Close() error {
	c.disconnect()
	return nil
}

// grpcTarget strips the URL scheme down to the host:port form grpc dials.
func grpcTarget(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid grpc url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return rawURL, nil
	}
	return u.Host, nil
}
