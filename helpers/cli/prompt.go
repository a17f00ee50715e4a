// Package cli runs line oriented tools: interactive prompt on terminal,
// one line at a time from piped stdin otherwise.
package cli

import (
	"bytes"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

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
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return
	}
	RunReader(os.Stdin, exec)
}

// RunReader calls exec for every non-empty line of r.
func RunReader(r io.Reader, exec func(line string)) {
	all, err := io.ReadAll(r)
	if err != nil {
		log.Fatal(err)
	}
	for _, lineb := range bytes.Split(all, []byte{'\n'}) {
		if line := string(bytes.TrimSpace(lineb)); line != "" {
			exec(line)
		}
	}
}
