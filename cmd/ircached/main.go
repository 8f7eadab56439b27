// Command ircached runs the IRS cache core as a standalone server.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/cxcache/irscache/cmn"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "ircached",
		Short: "IRS cache core server",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/ircached/config.json", "path to the JSON config file")

	root.AddCommand(serveCmd(), configCmd())

	defer glog.Flush()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmn.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func configCmd() *cobra.Command {
	validate := &cobra.Command{
		Use:   "validate",
		Short: "load and validate the config file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmn.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config OK: local=%s remotes=%v listen=%s\n",
				cfg.Store.LocalAddr, cfg.Store.RemoteAddrs, cfg.Net.ListenAddr)
			return nil
		},
	}
	cfg := &cobra.Command{Use: "config", Short: "config file operations"}
	cfg.AddCommand(validate)
	return cfg
}
