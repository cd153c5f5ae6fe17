// Copyright (C) 2019-2024 Algorand, Inc.
// This file is part of go-concord
//
// go-concord is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// go-concord is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with go-concord.  If not, see <https://www.gnu.org/licenses/>.

// concordd runs one replica of the replicated ledger service.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/algorand/go-concord/config"
	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/node"
	"github.com/algorand/go-concord/protocol"
)

var dataDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "concordd",
	Short:        "replicated attested ledger daemon",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "datadir", "d", "", "data directory")
	rootCmd.MarkPersistentFlagRequired("datadir")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keygenCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "write a default config into the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return err
		}
		cfg := config.GetDefaultLocal()
		if err := cfg.SaveToDisk(dataDir); err != nil {
			return err
		}
		keyPath := filepath.Join(dataDir, "node.key")
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			var seed crypto.Seed
			crypto.RandBytes(seed[:])
			if err := os.WriteFile(keyPath, seed[:], 0600); err != nil {
				return err
			}
			secrets := crypto.GenerateSignatureSecrets(seed)
			fmt.Printf("generated node key, public %x\n", secrets.SignatureVerifier[:])
		}
		fmt.Printf("initialised %s; add a %s listing every replica before running\n", dataDir, node.GenesisFilename)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "print this node's public key and a genesis entry template",
	RunE: func(cmd *cobra.Command, args []string) error {
		seedBytes, err := os.ReadFile(filepath.Join(dataDir, "node.key"))
		if err != nil {
			return err
		}
		var seed crypto.Seed
		copy(seed[:], seedBytes)
		secrets := crypto.GenerateSignatureSecrets(seed)
		cfg, err := config.LoadConfigFromDisk(dataDir)
		if err != nil {
			return err
		}
		entry := basics.NodeInfo{ID: 0, Address: cfg.NetAddress, SignPK: secrets.SignatureVerifier}
		fmt.Println(string(protocol.EncodeJSON([]basics.NodeInfo{entry})))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigFromDisk(dataDir)
		if err != nil {
			return err
		}

		log := logging.Base()
		log.SetLevel(logging.Level(cfg.BaseLoggerDebugLevel))
		log.SetJSONFormatter()
		liveLog := filepath.Join(dataDir, "node.log")
		archive := filepath.Join(dataDir, "node.archive.log")
		log.SetOutput(logging.MakeCyclicFileWriter(liveLog, archive, cfg.LogSizeLimit))

		n, err := node.MakeNode(dataDir, log)
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		fmt.Printf("replica %d running (%s mode)\n", n.ID(), cfg.Mode)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		n.Stop()
		return nil
	},
}
