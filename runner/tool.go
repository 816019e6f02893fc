package runner

import (
	"time"

	"github.com/yairfalse/sweep/types"
)

// DefaultBinary is the inventory tool launched when none is configured
const DefaultBinary = "aws-list-all"

// DefaultTimeout bounds a single tool invocation
const DefaultTimeout = time.Hour

// Tool describes how to invoke the external inventory tool
type Tool struct {
	Binary   string   `yaml:"binary"`
	BaseArgs []string `yaml:"args"`
	Env      []string `yaml:"env"`
}

// DefaultTool returns `aws-list-all query`
func DefaultTool() Tool {
	return Tool{Binary: DefaultBinary, BaseArgs: []string{"query"}}
}

// Command builds the invocation writing into workdir:
//
//	<binary> <base args> --directory <workdir> [--service s]... [--region r]... [--profile p]
//
// Empty service or region lists leave the choice to the tool.
func (t Tool) Command(workdir string, targets types.Targets, timeout time.Duration) Command {
	args := append([]string(nil), t.BaseArgs...)
	args = append(args, "--directory", workdir)
	for _, s := range targets.Services {
		args = append(args, "--service", s)
	}
	for _, r := range targets.Regions {
		args = append(args, "--region", r)
	}
	if targets.Profile != "" {
		args = append(args, "--profile", targets.Profile)
	}

	return Command{
		Path:    t.Binary,
		Args:    args,
		Env:     append([]string(nil), t.Env...),
		Timeout: timeout,
	}
}
