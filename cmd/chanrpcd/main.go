package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/conf"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
)

type arguments struct {
	Config kong.ConfigFlag `help:"Path to config file" type:"existingfile"`
	Server conf.Config     `help:"Host configuration" embed:"" prefix:""`
	Log    log.Config      `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	defer common.PanicHandler()

	r := &runner{}
	cfg, err := r.loadConfig(os.Args[1:])
	if err != nil {
		logErrorAndExit(err.Error())
	}
	if err := r.run(&cfg.Server); err != nil {
		logErrorAndExit(err.Error())
	}

	stopWG := sync.WaitGroup{}
	stopWG.Add(1)
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		log.Warnf("signal: %s received. chanrpc host will be stopped", sig.String())
		// hard stop if stop hangs
		tz := time.AfterFunc(10*time.Second, func() {
			log.Warn("host stop did not complete in time. system will exit.")
			os.Exit(1)
		})
		if err := r.stop(); err != nil {
			log.Warnf("failure in stopping chanrpc host: %v", err)
		}
		tz.Stop()
		stopWG.Done()
	}()
	stopWG.Wait()
	log.Infof("chanrpc host stopped")
}

func (r *runner) loadConfig(args []string) (*arguments, error) {
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, err
	}
	cfg.Server.ApplyDefaults()
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
