// Package cli runs interactive prompt on terminal, line by line stdin otherwise.
package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

func IsTerminal() bool { return isatty.IsTerminal(os.Stdin.Fd()) }

// MainLoop blocks until input ends or exit command.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	if IsTerminal() {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return
	}
	RunLines(os.Stdin, exec)
}

// RunLines executes every non-empty line of r.
func RunLines(r io.Reader, exec func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			exec(line)
		}
	}
}

// Suggest filters suggestions by word before cursor.
func Suggest(suggests []prompt.Suggest) func(d prompt.Document) []prompt.Suggest {
	return func(d prompt.Document) []prompt.Suggest {
		w := d.GetWordBeforeCursor()
		if w == "" {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, w, true)
	}
}
