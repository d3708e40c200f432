package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spirit-labs/chanrpc/cli"
	"github.com/spirit-labs/chanrpc/errors"
)

type ShellCommand struct {
	VI bool `help:"Enable VI mode."`
}

func (c *ShellCommand) Run(cl *cli.Cli) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return errors.WithStack(err)
	}

	rl, err := readline.NewEx(&readline.Config{
		HistoryFile:            filepath.Join(home, ".chanrpc.history"),
		DisableAutoSaveHistory: true,
		VimMode:                c.VI,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		_ = rl.Close()
	}()
	for {
		// Gather multi-line statement terminated by a ;
		rl.SetPrompt("chanrpc> ")
		var cmd []string
		for {
			line, err := rl.Readline()
			if err == io.EOF {
				return nil
			}
			if err == readline.ErrInterrupt {
				// CTRL-C exits silently
				return nil
			}
			if err != nil {
				return errors.WithStack(err)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			cmd = append(cmd, line)
			if strings.HasSuffix(line, ";") {
				break
			}
			rl.SetPrompt("         ")
		}
		statement := strings.Join(cmd, "\n")
		_ = rl.SaveHistory(statement)

		if err := c.SendStatement(statement, cl); err != nil {
			return errors.WithStack(err)
		}
	}
}

func (c *ShellCommand) SendStatement(statement string, cl *cli.Cli) error {
	ch, err := cl.ExecuteStatement(statement)
	if err != nil {
		return errors.WithStack(err)
	}
	for line := range ch {
		fmt.Println(line)
	}
	return nil
}
