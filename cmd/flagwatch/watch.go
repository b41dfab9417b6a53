package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/rafaeljc/heimdall-client/pkg/client"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// watch is one entry of HEIMDALL_CLIENT_WATCH_FLAGS, written "identifier[:kind]".
type watch struct {
	flag string
	kind model.Kind
}

func parseWatches(entries []string) ([]watch, error) {
	watches := make([]watch, 0, len(entries))
	for _, entry := range entries {
		id, kind, found := strings.Cut(strings.TrimSpace(entry), ":")
		if id == "" {
			return nil, fmt.Errorf("invalid watch entry %q: missing flag identifier", entry)
		}

		w := watch{flag: id, kind: model.KindBoolean}
		if found {
			w.kind = model.Kind(kind)
		}
		switch w.kind {
		case model.KindBoolean, model.KindString, model.KindNumber, model.KindInt, model.KindJSON:
		default:
			return nil, fmt.Errorf("invalid watch entry %q: unknown kind %q", entry, kind)
		}
		watches = append(watches, w)
	}
	return watches, nil
}

// evaluator is the slice of the client the watcher needs.
type evaluator interface {
	BoolVariation(flagIdentifier string, target *model.Target, def bool) bool
	StringVariation(flagIdentifier string, target *model.Target, def string) string
	NumberVariation(flagIdentifier string, target *model.Target, def float64) float64
	JSONVariation(flagIdentifier string, target *model.Target, def map[string]any) map[string]any
}

// watcher logs the value of every watched flag when the client becomes ready
// and whenever one of them changes.
type watcher struct {
	logger  *slog.Logger
	eval    evaluator
	target  *model.Target
	watches map[string]watch
}

func newWatcher(logger *slog.Logger, eval evaluator, targetIdentifier string, watches []watch) *watcher {
	byFlag := make(map[string]watch, len(watches))
	for _, w := range watches {
		byFlag[w.flag] = w
	}
	return &watcher{
		logger:  logger.With(slog.String("component", "watcher")),
		eval:    eval,
		target:  &model.Target{Identifier: targetIdentifier, Name: targetIdentifier},
		watches: byFlag,
	}
}

func (w *watcher) onReady(client.Event, string) {
	w.logger.Info("client ready", slog.Int("watched_flags", len(w.watches)))
	for _, wf := range w.watches {
		w.log(wf)
	}
}

func (w *watcher) onChanged(_ client.Event, flag string) {
	wf, ok := w.watches[flag]
	if !ok {
		w.logger.Debug("flag changed", slog.String("flag", flag))
		return
	}
	w.log(wf)
}

func (w *watcher) log(wf watch) {
	w.logger.Info("flag value", slog.String("flag", wf.flag), slog.Any("value", w.value(wf)))
}

func (w *watcher) value(wf watch) any {
	switch wf.kind {
	case model.KindString:
		return w.eval.StringVariation(wf.flag, w.target, "")
	case model.KindNumber, model.KindInt:
		return w.eval.NumberVariation(wf.flag, w.target, 0)
	case model.KindJSON:
		return w.eval.JSONVariation(wf.flag, w.target, nil)
	default:
		return w.eval.BoolVariation(wf.flag, w.target, false)
	}
}
