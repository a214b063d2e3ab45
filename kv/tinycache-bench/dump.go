package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinycache/kv/atomicmap"
	"github.com/pingcap-incubator/tinycache/kv/persist"
	"github.com/pingcap-incubator/tinycache/kv/util/codec"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

func newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [map...]",
		Short: "Print maps kept by the persist store",
		RunE:  dumpCommandFunc,
	}
}

func dumpCommandFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Persist.Enabled {
		return errors.New("persist is not enabled in config")
	}
	s, err := persist.Open[string, int64](cfg.Persist, codec.StringCodec{}, codec.Int64Codec{})
	if err != nil {
		return err
	}
	defer s.Close()

	keys := args
	if len(keys) == 0 {
		if keys, err = s.Keys(); err != nil {
			return err
		}
	}
	for _, key := range keys {
		m, err := s.Load(key)
		if err != nil {
			return err
		}
		if m == nil {
			fmt.Printf("%s: not found\n", key)
			continue
		}
		data, err := atomicmap.MarshalMap[string, int64](m, codec.StringCodec{}, codec.Int64Codec{})
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d entries, %s): %v\n", key, m.Len(), units.HumanSize(float64(len(data))), m.Entries())
	}
	return nil
}
