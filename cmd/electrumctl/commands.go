package main

import (
	"fmt"
	"time"

	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/pkg/common"
	"github.com/urfave/cli/v2"
)

// flags
var (
	assetFlag = &cli.StringFlag{
		Name:    "asset",
		Aliases: []string{"a"},
		Usage:   "symbol of the asset, one of BTC, LTC, DASH (prefixed with t for testnet)",
		Value:   "BTC",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "log the electrum traffic",
	}
	blocksFlag = &cli.IntFlag{
		Name:  "blocks",
		Usage: "confirmation target in blocks",
		Value: 1,
	}
	invoiceFlag = &cli.StringFlag{
		Name:  "invoice",
		Usage: "id of the invoice the payment belongs to",
	}
	amountFlag = &cli.Int64Flag{
		Name:     "amount",
		Usage:    "amount to pay in sats",
		Required: true,
	}
)

// commands
var (
	serversCommand = &cli.Command{
		Name:   "servers",
		Usage:  "List the known electrum servers ranked by reachability",
		Action: serversAction,
		Subcommands: []*cli.Command{
			{
				Name:   "update",
				Usage:  "Discover new servers from the peers of the known ones",
				Action: updatePeersAction,
			},
		},
	}
	heightCommand = &cli.Command{
		Name:   "height",
		Usage:  "Print the current chain tip",
		Action: heightAction,
	}
	feeCommand = &cli.Command{
		Name:   "fee",
		Usage:  "Print the relay fee and the fee estimate in sat/vbyte",
		Action: feeAction,
		Flags:  []cli.Flag{blocksFlag},
	}
	historyCommand = &cli.Command{
		Name:      "history",
		Usage:     "Print the transaction history and unspents of an address",
		ArgsUsage: "<address>",
		Action:    historyAction,
	}
	txCommand = &cli.Command{
		Name:      "tx",
		Usage:     "Print a transaction",
		ArgsUsage: "<txid>",
		Action:    txAction,
	}
	broadcastCommand = &cli.Command{
		Name:      "broadcast",
		Usage:     "Broadcast a raw transaction",
		ArgsUsage: "<hex>",
		Action:    broadcastAction,
	}
	paymentCommand = &cli.Command{
		Name:  "payment",
		Usage: "Create and inspect payments",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Print a payment",
				ArgsUsage: "<uuid>",
				Action:    getPaymentAction,
			},
			{
				Name:   "create",
				Usage:  "Create a payment and print its address",
				Action: createPaymentAction,
				Flags:  []cli.Flag{invoiceFlag, amountFlag},
			},
		},
	}
)

func getChainService(ctx *cli.Context) (ports.ChainService, error) {
	return cfg.ChainService(ctx.String(assetFlag.Name))
}

func serversAction(ctx *cli.Context) error {
	chain, err := getChainService(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	servers, err := cfg.RepoManager().Servers().GetAll(ctx.Context, chain.Symbol())
	if err != nil {
		return err
	}

	type server struct {
		Host         string  `json:"host"`
		TCPPort      int     `json:"tcp_port,omitempty"`
		TLSPort      int     `json:"tls_port,omitempty"`
		Version      string  `json:"version,omitempty"`
		Reachability float64 `json:"reachability"`
		Connections  int64   `json:"connections"`
		Failures     int64   `json:"failures"`
		LatencyMs    int64   `json:"latency_ms,omitempty"`
		LastSeen     string  `json:"last_seen,omitempty"`
	}
	list := make([]server, 0, len(servers))
	for _, s := range servers {
		var lastSeen string
		if !s.LastSeen.IsZero() {
			lastSeen = s.LastSeen.Format(time.RFC3339)
		}
		list = append(list, server{
			Host:         s.Host,
			TCPPort:      s.TCPPort,
			TLSPort:      s.TLSPort,
			Version:      s.Version,
			Reachability: s.Reachability(),
			Connections:  s.Connections,
			Failures:     s.Failures,
			LatencyMs:    s.Latency.Milliseconds(),
			LastSeen:     lastSeen,
		})
	}
	return printJSON(list)
}

func updatePeersAction(ctx *cli.Context) error {
	chain, err := getChainService(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	if err := chain.UpdatePeers(ctx.Context); err != nil {
		return err
	}
	return serversAction(ctx)
}

func heightAction(ctx *cli.Context) error {
	chain, err := getChainService(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	queue := ports.NewQueue()
	defer chain.Unsubscribe(queue)
	header, err := chain.SubscribeHeaders(ctx.Context, queue)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"height": header.Height})
}

func feeAction(ctx *cli.Context) error {
	chain, err := getChainService(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	relayFee, err := chain.RelayFee(ctx.Context)
	if err != nil {
		return err
	}
	estimate, err := chain.EstimateFee(ctx.Context, ctx.Int(blocksFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"relay_fee":    common.FeeRateFromEstimate(relayFee),
		"fee_estimate": common.FeeRateFromEstimate(estimate),
	})
}

func historyAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("missing address")
	}
	asset, err := common.GetAsset(ctx.String(assetFlag.Name))
	if err != nil {
		return err
	}
	scripthash, err := asset.ScriptHash(ctx.Args().Get(0))
	if err != nil {
		return err
	}

	chain, err := getChainService(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	history, err := chain.GetHistory(ctx.Context, scripthash)
	if err != nil {
		return err
	}
	utxos, err := chain.ListUnspent(ctx.Context, scripthash)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"scripthash": scripthash,
		"history":    history,
		"unspents":   utxos,
	})
}

func txAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("missing txid")
	}
	chain, err := getChainService(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	tx, err := chain.GetTransaction(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	return printJSON(tx)
}

func broadcastAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("missing raw transaction")
	}
	chain, err := getChainService(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	txid, err := chain.Broadcast(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	fmt.Println(txid)
	return nil
}

func getPaymentAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("missing payment uuid")
	}
	payment, err := cfg.RepoManager().Payments().Get(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	uri, err := paymentURI(payment)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"payment": payment,
		"uri":     uri,
	})
}

// createPaymentAction only persists the payment, a running daemon picks it
// up at its next rescan.
func createPaymentAction(ctx *cli.Context) error {
	svc, err := cfg.AppService()
	if err != nil {
		return err
	}
	cleanup = svc.Stop

	payment, err := svc.CreatePayment(
		ctx.Context, ctx.String(invoiceFlag.Name), ctx.String(assetFlag.Name),
		ctx.Int64(amountFlag.Name),
	)
	if err != nil {
		return err
	}
	uri, err := paymentURI(payment)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"uuid":        payment.UUID,
		"address":     payment.Address,
		"amount_sats": payment.AmountSats,
		"expiry_date": payment.ExpiryDate.Format(time.RFC3339),
		"uri":         uri,
	})
}

func paymentURI(payment *domain.Payment) (string, error) {
	asset, err := common.GetAsset(payment.Symbol)
	if err != nil {
		return "", err
	}
	return asset.PaymentURI(payment.Address, payment.AmountSats, "", "")
}
