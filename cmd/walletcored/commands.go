// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wallet"
	"github.com/btcsuite/walletcore/wallet/reconciler"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// registerCommands adds every walletcored command to the parser.
func registerCommands(parser *flags.Parser, cfg *config) {
	commands := []struct {
		name, short, long string
		data              any
	}{
		{
			name:  "sync",
			short: "Sync the wallet once",
			long: "Fetch what changed on the chain since the last sync " +
				"and store it.",
			data: &syncCommand{cfg: cfg},
		},
		{
			name:  "run",
			short: "Keep the wallet in sync",
			long: "Sync on every sync interval until interrupted. " +
				"Backend outages are retried.",
			data: &runCommand{cfg: cfg},
		},
		{
			name:  "balance",
			short: "Show the wallet balance",
			long:  "Show the balance split by how safe it is to spend.",
			data:  &balanceCommand{cfg: cfg},
		},
		{
			name:  "listunspent",
			short: "List the wallet outputs",
			long:  "List the unspent outputs of the wallet.",
			data:  &listUnspentCommand{cfg: cfg},
		},
		{
			name:  "listtransactions",
			short: "List the wallet transactions",
			long: "List the wallet transactions confirmed in a height " +
				"range. An end height of -1 includes the mempool.",
			data: &listTxnsCommand{cfg: cfg},
		},
		{
			name:  "newaddress",
			short: "Show a receive address",
			long: "Show the next unused address of a keychain. The " +
				"address is only remembered as used once it is " +
				"funded.",
			data: &newAddressCommand{cfg: cfg},
		},
		{
			name:  "createtx",
			short: "Create an unsigned transaction",
			long: "Build an unsigned transaction paying the given " +
				"outputs and print it as a base64 PSBT for an " +
				"external signer.",
			data: &createTxCommand{cfg: cfg},
		},
	}

	for _, c := range commands {
		_, err := parser.AddCommand(c.name, c.short, c.long, c.data)
		if err != nil {
			panic(fmt.Sprintf("add command %s: %v", c.name, err))
		}
	}
}

// describeSync formats the checkpoint of the wallet.
func describeSync(cp fn.Option[wtxmgr.Checkpoint]) string {
	return fn.MapOptionZ(cp, func(c wtxmgr.Checkpoint) string {
		return c.String()
	})
}

// syncCommand runs a single sync.
type syncCommand struct {
	cfg *config
}

// Execute implements flags.Commander.
func (c *syncCommand) Execute(_ []string) error {
	return withWallet(c.cfg, func(ctx context.Context,
		w *wallet.Wallet) error {

		res, err := w.Sync(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Synced to %s in %d round(s), %d txs updated\n",
			describeSync(res.Checkpoint), res.Rounds,
			len(res.ChangeSet.Txs))

		res.Reorg.WhenSome(func(event reconciler.ReorgEvent) {
			fmt.Printf("Reorg: %v\n", event)
		})

		return nil
	})
}

// runCommand runs the sync loop.
type runCommand struct {
	cfg *config
}

// Execute implements flags.Commander.
func (c *runCommand) Execute(_ []string) error {
	return withWallet(c.cfg, func(ctx context.Context,
		w *wallet.Wallet) error {

		return w.Run(ctx)
	})
}

// balanceCommand prints the balance.
type balanceCommand struct {
	cfg *config
}

// Execute implements flags.Commander.
func (c *balanceCommand) Execute(_ []string) error {
	return withWallet(c.cfg, func(_ context.Context,
		w *wallet.Wallet) error {

		b := w.Balance()

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "confirmed\t%v\n", b.Confirmed)
		fmt.Fprintf(tw, "trusted pending\t%v\n", b.TrustedPending)
		fmt.Fprintf(tw, "untrusted pending\t%v\n", b.UntrustedPending)
		fmt.Fprintf(tw, "immature\t%v\n", b.Immature)
		fmt.Fprintf(tw, "total\t%v\n", b.Total())
		fmt.Fprintf(tw, "synced to\t%s\n", describeSync(w.SyncedTo()))

		return tw.Flush()
	})
}

// listUnspentCommand prints the wallet outputs.
type listUnspentCommand struct {
	cfg *config

	MinConfs int32 `long:"minconfs" description:"Only list outputs with at least this many confirmations"`
	All      bool  `long:"all" description:"Include spent outputs"`
}

// Execute implements flags.Commander.
func (c *listUnspentCommand) Execute(_ []string) error {
	return withWallet(c.cfg, func(_ context.Context,
		w *wallet.Wallet) error {

		tip := w.SyncedTo().UnwrapOr(wtxmgr.Checkpoint{}).Height
		utxos := w.ListUtxos(wtxmgr.UtxoFilter{
			MinConfs:     c.MinConfs,
			IncludeSpent: c.All,
		})

		reserved := make(map[wire.OutPoint]bool)
		for _, r := range w.Info().Reservations {
			reserved[r.OutPoint] = true
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "outpoint\tamount\tconfs\tkeychain\tindex\t"+
			"reserved\tspent")
		for _, utxo := range utxos {
			fmt.Fprintf(tw, "%v\t%v\t%d\t%v\t%d\t%t\t%t\n",
				utxo.OutPoint, utxo.TxOut.Amount,
				utxo.Status.Confirmations(tip),
				utxo.TxOut.Keychain, utxo.TxOut.Index,
				reserved[utxo.OutPoint], utxo.IsSpent())
		}

		return tw.Flush()
	})
}

// listTxnsCommand prints the wallet transactions.
type listTxnsCommand struct {
	cfg *config

	Start int32 `long:"start" description:"First height to list"`
	End   int32 `long:"end" description:"Last height to list, -1 includes unconfirmed transactions" default:"-1"`
}

// Execute implements flags.Commander.
func (c *listTxnsCommand) Execute(_ []string) error {
	return withWallet(c.cfg, func(_ context.Context,
		w *wallet.Wallet) error {

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "txid\tvalue\tfee\tconfs\tstatus")
		for _, d := range w.ListTxns(c.Start, c.End) {
			fmt.Fprintf(tw, "%v\t%v\t%v\t%d\t%v\n", d.Hash, d.Value,
				d.Fee, d.Confirmations, d.Status)
		}

		return tw.Flush()
	})
}

// newAddressCommand prints the next unused address.
type newAddressCommand struct {
	cfg *config

	Change bool `long:"change" description:"Use the internal keychain"`
}

// Execute implements flags.Commander.
func (c *newAddressCommand) Execute(_ []string) error {
	return withWallet(c.cfg, func(_ context.Context,
		w *wallet.Wallet) error {

		keychain := wtxmgr.KeychainExternal
		if c.Change {
			keychain = wtxmgr.KeychainInternal
		}

		tmpl, err := w.NewAddress(keychain)
		if err != nil {
			return err
		}

		fmt.Printf("%v (%v/%d)\n", tmpl.Address, keychain, tmpl.Index)

		return nil
	})
}

// createTxCommand builds an unsigned transaction.
type createTxCommand struct {
	cfg *config

	Outputs  []string `long:"to" description:"Recipient as address:satoshis, may be repeated" required:"true"`
	Inputs   []string `long:"input" description:"Spend exactly this outpoint as txid:index, may be repeated"`
	FeeRate  uint64   `long:"satpervbyte" description:"Fee rate in sat/vB, 0 uses the wallet default"`
	MinConfs int32    `long:"minconfs" description:"Confirmations a selected input needs"`
	LockTime uint32   `long:"locktime" description:"Lock time of the transaction"`
	Sort     bool     `long:"sort" description:"Order inputs and outputs by BIP69"`
	NoSync   bool     `long:"nosync" description:"Skip the sync before building"`
}

// Execute implements flags.Commander.
func (c *createTxCommand) Execute(_ []string) error {
	outputs, err := c.parseOutputs()
	if err != nil {
		return err
	}

	intent := &wallet.TxIntent{
		Outputs:  outputs,
		FeeRate:  btcunit.NewSatPerVByte(btcutil.Amount(c.FeeRate)),
		LockTime: c.LockTime,
		Sort:     c.Sort,
		Inputs:   &wallet.InputsPolicy{MinConfs: c.MinConfs},
	}

	if len(c.Inputs) > 0 {
		ops := make([]wire.OutPoint, 0, len(c.Inputs))
		for _, s := range c.Inputs {
			op, err := wire.NewOutPointFromString(s)
			if err != nil {
				return fmt.Errorf("invalid input %q: %w", s, err)
			}
			ops = append(ops, *op)
		}
		intent.Inputs = &wallet.InputsManual{UTXOs: ops}
	}

	return withWallet(c.cfg, func(ctx context.Context,
		w *wallet.Wallet) error {

		if !c.NoSync {
			if _, err := w.Sync(ctx); err != nil {
				return err
			}
		}

		utx, err := w.Build(ctx, intent)
		if err != nil {
			return err
		}

		packet, err := utx.Packet.B64Encode()
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "txid %v: %d inputs, fee %v (%v), "+
			"change output %d\n", utx.Tx.TxHash(), len(utx.Inputs),
			utx.Fee, utx.FeeRate, utx.ChangeIndex)
		fmt.Println(packet)

		return nil
	})
}

// parseOutputs decodes the address:satoshis recipients.
func (c *createTxCommand) parseOutputs() ([]*wire.TxOut, error) {
	if len(c.Outputs) == 0 {
		return nil, errors.New("at least one --to is required")
	}

	outputs := make([]*wire.TxOut, 0, len(c.Outputs))
	for _, s := range c.Outputs {
		addrStr, amountStr, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("recipient %q is not "+
				"address:satoshis", s)
		}

		addr, err := btcutil.DecodeAddress(addrStr, c.cfg.chainParams)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addrStr,
				err)
		}

		amount, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("invalid amount %q", amountStr)
		}

		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}

		outputs = append(outputs, wire.NewTxOut(amount, script))
	}

	return outputs, nil
}
