package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/forgebuild/forge/internal/driver"
)

// runREPL is an interactive shell over the call table's --config-dump/
// --config-query/--config-remove surface, adapted from the teacher's
// readline-driven chat loop (ui.Chat.Run) with the slash-command intent
// parsing collapsed into a flat switch, since the commands here take
// fixed arguments rather than free-form natural language.
func runREPL(ctx *driver.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mforge>\033[0m ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("forge configuration shell. Type /help for commands.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := dispatchREPLCommand(ctx, line); err != nil {
			if err == errExitREPL {
				return nil
			}
			fmt.Printf("\033[31merror: %v\033[0m\n", err)
		}
	}
}

var errExitREPL = fmt.Errorf("exit")

func dispatchREPLCommand(ctx *driver.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "/exit", "/quit":
		return errExitREPL

	case "/help":
		printREPLHelp()
		return nil

	case "/history":
		printRunHistory(ctx)
		return nil

	case "/dump":
		dump, err := ctx.Backend.DumpCalls()
		if err != nil {
			return err
		}
		for funcName, calls := range dump {
			for bound, result := range calls {
				fmt.Printf("%s %s = %q\n", funcName, bound, result)
			}
		}
		return nil

	case "/query":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /query <function> <key>")
		}
		_, result, found, err := ctx.Backend.FindCall(fields[1], fields[2])
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("(no recorded call)")
			return nil
		}
		fmt.Printf("%s %s = %q\n", fields[1], fields[2], result)
		return nil

	case "/remove":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /remove <function> <key>")
		}
		return ctx.Backend.DeleteCall(fields[1], fields[2])

	default:
		return fmt.Errorf("unknown command %q, type /help for a list", fields[0])
	}
}

func printREPLHelp() {
	fmt.Println(`Commands:
  /dump                     print every recorded call
  /query <function> <key>   print one recorded call's result
  /remove <function> <key>  delete one recorded call
  /history                  show this process's build run history
  /help                     show this message
  /exit                     leave the shell`)
}

func printRunHistory(ctx *driver.Context) {
	runs := ctx.History.ListRuns()
	if len(runs) == 0 {
		fmt.Println("(no runs recorded yet)")
		return
	}
	for _, r := range runs {
		fmt.Printf("%s: %d hits, %d misses, %s\n", r.ID, r.Hits, r.Misses, r.Duration())
	}
}
