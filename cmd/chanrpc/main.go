// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/spirit-labs/chanrpc/cli"
	"github.com/spirit-labs/chanrpc/cmd/chanrpc/commands"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/conf"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
)

type arguments struct {
	Address   string               `help:"Address of the chanrpc host to connect to." default:"127.0.0.1:7740"`
	Prefix    string               `help:"Channel name prefix the host serves." default:"chanrpc"`
	TLSConfig conf.ClientTLSConfig `help:"TLS client configuration" embed:"" prefix:"tls-"`
	Header    []string             `help:"Header sent with every call, as key=value." short:"H"`
	Timeout   time.Duration        `help:"Timeout for each call." default:"30s"`
	Command   string               `help:"Single statement to execute, non interactively"`
	VI        bool                 `help:"Enable VI mode in the shell."`
	Log       log.Config           `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("%+v\n", err)
	}
}

func run() error {
	defer common.PanicHandler()
	cfg := &arguments{}
	parser, err := kong.New(cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return err
	}
	_, err = parser.Parse(os.Args[1:])
	if err != nil {
		return err
	}
	if err := cfg.Log.Configure(); err != nil {
		return err
	}
	cl := cli.NewCli(cfg.Address, cfg.Prefix, cfg.TLSConfig)
	cl.SetExitOnError(cfg.Command != "")
	cl.SetTimeout(cfg.Timeout)
	for _, h := range cfg.Header {
		k, v, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return errors.Errorf("invalid header %q, expected key=value", h)
		}
		cl.AddHeader(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if err := cl.Start(); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err := cl.Stop(); err != nil {
			log.Errorf("failed to close cli %+v", err)
		}
	}()
	shellCommand := &commands.ShellCommand{VI: cfg.VI}
	if cfg.Command != "" {
		// execute single statement
		return shellCommand.SendStatement(cfg.Command, cl)
	}
	// interactive session
	return shellCommand.Run(cl)
}
