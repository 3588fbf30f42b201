// Package lnd is a gRPC client wrapper around an LND node: Lightning
// payments and invoices, on-chain wallet operations, and channel/treasury
// balance reads. The rest of the codebase depends on the LightningClient
// interface, never on the concrete Client, the same dependency-inversion
// shape the chain-node adapter (internal/adapters/arkd) follows.
package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"arkgw/pkg/logger"
)

// Config describes how to reach the Lightning node.
type Config struct {
	GRPCHost              string
	GRPCPort              string
	TLSCertPath           string
	MacaroonPath          string
	Network               string
	PaymentTimeoutSeconds int
	MaxPaymentFeeSats     int64
}

// LightningClient is the interface the Lightning bridge depends on,
// never the concrete Client, so tests can substitute a fake.
type LightningClient interface {
	// Lightning payments and invoices.
	PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*PaymentResult, error)
	DecodeInvoice(ctx context.Context, bolt11 string) (*Invoice, error)
	AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*InvoiceRecord, error)
	LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceRecord, error)
	LookupInvoiceByRequest(ctx context.Context, bolt11 string) (*InvoiceRecord, error)
	ListInvoices(ctx context.Context, pendingOnly bool) ([]*InvoiceRecord, error)
	ListPayments(ctx context.Context) ([]*PaymentRecord, error)
	ListChannels(ctx context.Context) ([]*ChannelRecord, error)

	// On-chain operations.
	SendOnChain(ctx context.Context, address string, amountSats int64, targetConf int32) (*OnChainResult, error)
	NewAddress(ctx context.Context) (string, error)

	// Balance and node status.
	GetWalletBalance(ctx context.Context) (*WalletBalance, error)
	GetChannelBalance(ctx context.Context) (*ChannelBalance, error)
	GetLightningBalance(ctx context.Context) (*ChannelBalance, error)
	GetOnchainBalance(ctx context.Context) (*WalletBalance, error)
	GetInfo(ctx context.Context) (*NodeInfo, error)

	Close() error
}

// PaymentResultStatus mirrors the terminal/in-flight states of an outbound
// Lightning payment.
type PaymentResultStatus int

const (
	Succeeded PaymentResultStatus = iota
	Failed
	InFlight
)

type PaymentResult struct {
	PaymentHash     string
	PaymentPreimage string
	FeeSats         int64
	Status          PaymentResultStatus
}

type Invoice struct {
	Destination string
	AmountSats  int64
	PaymentHash string
	Expiry      int64
	Description string
	IsExpired   bool
}

type OnChainResult struct {
	TxHash string
}

type WalletBalance struct {
	ConfirmedSats   int64
	UnconfirmedSats int64
	TotalSats       int64
}

type ChannelBalance struct {
	LocalSats  int64
	RemoteSats int64
}

type NodeInfo struct {
	Alias         string
	PubKey        string
	SyncedToChain bool
	SyncedToGraph bool
	BlockHeight   uint32
	NumChannels   uint32
}

// macaroonCredential attaches a hex-encoded macaroon to every RPC.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool { return true }

// Client is the concrete gRPC-backed LightningClient implementation.
type Client struct {
	conn         *grpc.ClientConn
	lnClient     lnrpc.LightningClient
	routerClient routerrpc.RouterClient
	Cfg          Config
}

func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("could not load tls cert from %s: %w", cfg.TLSCertPath, err)
	}

	fileMacaroonData, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon file %s: %w", cfg.MacaroonPath, err)
	}
	macaroonCreds := macaroonCredential{macaroon: hex.EncodeToString(fileMacaroonData)}

	url := cfg.GRPCHost + ":" + cfg.GRPCPort
	conn, err := grpc.NewClient(url, grpc.WithTransportCredentials(creds), grpc.WithPerRPCCredentials(macaroonCreds))
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", url, err)
	}

	lnClient := lnrpc.NewLightningClient(conn)

	info, err := lnClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to lnd (is it running? wallet unlocked?): %w", err)
	}

	logger.Info("lnd connected",
		zap.String("alias", info.Alias),
		zap.String("pubkey", info.IdentityPubkey),
		zap.Uint32("block_height", info.BlockHeight),
		zap.Bool("synced_to_chain", info.SyncedToChain),
		zap.Bool("synced_to_graph", info.SyncedToGraph),
	)
	if !info.SyncedToChain {
		logger.Warn("lnd is not synced to chain, payments may fail until sync completes")
	}

	return &Client{
		conn:         conn,
		lnClient:     lnClient,
		routerClient: routerrpc.NewRouterClient(conn),
		Cfg:          cfg,
	}, nil
}

// Close closes the underlying gRPC connection to LND.
func (c *Client) Close() error {
	return c.conn.Close()
}
