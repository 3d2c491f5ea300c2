// Package cli runs line oriented operator consoles.
// Interactive terminal gets go-prompt with completion, piped stdin is executed line by line.
package cli

import (
	"bufio"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

const ExitCommand = "exit"

func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range signalCh {
			os.Exit(1)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		p := prompt.New(
			func(line string) {
				if strings.TrimSpace(line) == ExitCommand {
					os.Exit(0)
				}
				exec(line)
			},
			complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle("iotgw "+tag),
		)
		p.Run()
		return
	}
	if err := ExecReader(os.Stdin, exec); err != nil {
		log.Fatal(err)
	}
}

// ExecReader calls exec for every non-empty line until EOF or exit command.
func ExecReader(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == ExitCommand {
			return nil
		}
		exec(line)
	}
	return scanner.Err()
}
