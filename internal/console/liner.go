package console

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"github.com/rs/zerolog/log"
)

// NewLineEditor opens the terminal line editor with history loaded from
// historyPath. close saves the history and restores the terminal.
func NewLineEditor(historyPath string) (line *liner.State, close func()) {
	line = liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(complete)

	if f, err := os.Open(historyPath); err == nil {
		if _, err := line.ReadHistory(f); err != nil {
			log.Debug().Err(err).Msg("read history")
		}
		f.Close()
	}

	return line, func() {
		if err := os.MkdirAll(filepath.Dir(historyPath), 0o750); err == nil {
			if f, err := os.Create(historyPath); err == nil {
				if _, err := line.WriteHistory(f); err != nil {
					log.Debug().Err(err).Msg("write history")
				}
				f.Close()
			}
		}
		line.Close()
	}
}

// complete offers local command names after a leading ':'.
func complete(input string) []string {
	if !strings.HasPrefix(input, ":") || strings.Contains(input, " ") {
		return nil
	}
	var out []string
	for name := range commands {
		if strings.HasPrefix(":"+name, input) {
			out = append(out, ":"+name)
		}
	}
	sort.Strings(out)
	return out
}
