package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cpralea/pcomp/vm"
)

var (
	engineName string
	memSizeMiB int
	debug      bool
)

var engineKinds = map[string]vm.EngineKind{
	"interp": vm.Interpreter,
	"a64":    vm.AArch64JIT,
	"x64":    vm.X8664JIT,
}

var rootCmd = &cobra.Command{
	Use:   "pcomp-vm <program>",
	Short: "Run a pcomp VM program by interpretation or JIT translation",
	Long: `pcomp-vm executes a VM program image. Inputs ending in .asm are
assembled first; anything else is loaded as a raw image. The engine is
either the interpreter or a JIT targeting AArch64 or x86-64; the JIT
translates the whole image up front and runs it in-process, so the chosen
target must match the host to execute.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := engineKinds[engineName]
		if !ok {
			return fmt.Errorf("unknown engine '%s' (want interp, a64 or x64)", engineName)
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		prog := data
		if strings.HasSuffix(args[0], ".asm") {
			if prog, err = vm.Assemble(string(data)); err != nil {
				return err
			}
		}

		return vm.Run(prog, memSizeMiB, kind, debug)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&engineName, "engine", "e", "interp", "execution engine: interp, a64 or x64")
	rootCmd.Flags().IntVarP(&memSizeMiB, "mem", "m", 4, "guest memory size in MiB, rounded up to a power of two")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "trace decoded instructions and dump JIT code")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
}
