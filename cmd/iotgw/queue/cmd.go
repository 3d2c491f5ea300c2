// Package queue is an operator console for the durable event queue.
// Run it while the gateway service is stopped, storage file is locked otherwise.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/iotgw/cmd/iotgw/subcmd"
	"github.com/temoto/iotgw/event"
	"github.com/temoto/iotgw/helpers/cli"
	"github.com/temoto/iotgw/internal/config"
	"github.com/temoto/iotgw/log2"
	"github.com/temoto/iotgw/storage"
)

const modName = "queue"

const usage = `commands:
- count     number of stored events
- peek      show events of the next pack
- validate  check next pack against event schema
- drop      discard next pack (events are lost)
- help
`

var Mod = subcmd.Mod{Name: modName, Usage: "inspect stored events", Main: Main}

type packQueue interface {
	PeekPack() (storage.Pack, error)
	CommitPack() error
	Len() int
}

func Main(ctx context.Context, log *log2.Log, cfg *config.Config) error {
	q, err := storage.Open(cfg.Storage)
	if err != nil {
		return errors.Annotate(err, "storage (is gateway running?)")
	}
	defer q.Close()

	log.Infof("storage type=%s path=%s queue=%d", cfg.Storage.Type, cfg.Storage.Path, q.Len())
	cli.MainLoop(modName, newExecutor(log, q), newCompleter())
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "count", Description: "number of stored events"},
		{Text: "peek", Description: "show events of the next pack"},
		{Text: "validate", Description: "check next pack against event schema"},
		{Text: "drop", Description: "discard next pack"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(log *log2.Log, q packQueue) func(string) {
	return func(line string) {
		words := strings.Fields(line)
		if len(words) == 0 {
			return
		}
		if err := execute(log, q, words[0]); err != nil {
			log.Error(errors.ErrorStack(err))
		}
	}
}

func execute(log *log2.Log, q packQueue, command string) error {
	switch command {
	case "count":
		log.Infof("count=%d", q.Len())

	case "peek":
		p, err := q.PeekPack()
		if err != nil {
			return err
		}
		log.Infof("%s", p.String())
		for i, b := range p.Items {
			log.Infof("#%d %s", p.First+uint64(i), describe(b))
		}

	case "validate":
		p, err := q.PeekPack()
		if err != nil {
			return err
		}
		bad := 0
		for i, b := range p.Items {
			if err := event.Validate(b); err != nil {
				bad++
				log.Infof("#%d invalid: %v", p.First+uint64(i), err)
			}
		}
		log.Infof("%s checked=%d invalid=%d", p.String(), len(p.Items), bad)

	case "drop":
		p, err := q.PeekPack()
		if err != nil {
			return err
		}
		if len(p.Items) == 0 {
			log.Infof("queue is empty")
			return nil
		}
		if err = q.CommitPack(); err != nil {
			return errors.Annotatef(err, "drop %s", p.String())
		}
		log.Infof("dropped %s count=%d", p.String(), q.Len())

	case "help":
		log.Info(usage)

	default:
		return errors.Errorf("unknown command='%s', try help", command)
	}
	return nil
}

func describe(b []byte) string {
	e, err := event.Decode(b)
	if err != nil {
		return "undecodable " + string(b)
	}
	keys := make([]string, 0, 8)
	for k := range e.MergedAttributes() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("device=%s telemetry=%d attributes=[%s]", e.DeviceName, len(e.Telemetry), strings.Join(keys, ","))
}
