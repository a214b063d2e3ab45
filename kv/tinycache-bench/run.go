package main

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinycache/kv/atomicmap"
	"github.com/pingcap-incubator/tinycache/kv/node"
	"github.com/pingcap-incubator/tinycache/kv/util/codec"
	"github.com/pingcap-incubator/tinycache/kv/workload"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

var (
	threadsArg  int
	mapsArg     int
	keysArg     int
	txnsArg     int
	durationArg time.Duration
	statusArg   bool
	rateArg     float64
)

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "run",
		Short: "Run concurrent transfer txns over shared maps",
		RunE:  runCommandFunc,
	}
	m.Flags().IntVar(&threadsArg, "threads", 8, "number of concurrent clients")
	m.Flags().IntVar(&mapsArg, "maps", 4, "number of shared maps")
	m.Flags().IntVar(&keysArg, "keys", 16, "number of keys per map")
	m.Flags().IntVar(&txnsArg, "txns", 1000, "txns per client, 0 to run until --duration")
	m.Flags().DurationVar(&durationArg, "duration", 0, "stop after this long, 0 for no limit")
	m.Flags().Float64Var(&rateArg, "rate", 0, "max txns started per second, 0 for no limit")
	m.Flags().BoolVar(&statusArg, "status", false, "serve the status API while running")
	return m
}

func runCommandFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err = cfg.SetupLogger(); err != nil {
		return err
	}
	if txnsArg == 0 && durationArg == 0 {
		return errors.New("one of --txns and --duration must be set")
	}
	n, err := node.New[string, int64](cfg, codec.StringCodec{}, codec.Int64Codec{})
	if err != nil {
		return err
	}
	defer n.Close()
	if statusArg {
		addr, err := n.StartStatus(cfg.Status.Addr)
		if err != nil {
			return err
		}
		fmt.Printf("status API on http://%s\n", addr)
	}

	ctx := globalContext
	if durationArg > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, durationArg)
		defer cancel()
	}

	w := workload.NewTransfer(n.Maps, n.Txns, workload.TransferConfig{
		Maps:          mapsArg,
		KeysPerMap:    keysArg,
		InitialAmount: 100,
		Rate:          rateArg,
	})
	if err = w.Load(ctx); err != nil {
		return err
	}
	start := time.Now()
	report, err := w.Run(ctx, threadsArg, txnsArg)
	if err != nil {
		return err
	}
	report.Elapsed = time.Since(start)
	fmt.Print(report.String())

	total, err := w.Total(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("total balance: %d (expected %d)\n", total, w.ExpectedTotal())
	if total != w.ExpectedTotal() {
		return errors.Errorf("balance mismatch: got %d, want %d", total, w.ExpectedTotal())
	}
	if n.Group != nil {
		for _, r := range n.Group.Replicas() {
			sum, err := workload.SumStore(r.Store, w.MapKeys())
			if err != nil {
				return err
			}
			fmt.Printf("%s balance: %d\n", r.Name, sum)
			if sum != total {
				return errors.Errorf("%s diverged: got %d, want %d", r.Name, sum, total)
			}
		}
	}

	var size int
	for _, key := range w.MapKeys() {
		m, err := atomicmap.GetAtomicMap[string, int64](n.Store, key, false)
		if err != nil || m == nil {
			continue
		}
		data, err := atomicmap.MarshalMap[string, int64](m, codec.StringCodec{}, codec.Int64Codec{})
		if err != nil {
			return err
		}
		size += len(data)
	}
	fmt.Printf("encoded map size: %s\n", units.HumanSize(float64(size)))
	return nil
}
