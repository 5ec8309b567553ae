// Package api exposes the engine and the catalog as named commands, and binds
// them to HTTP together with the event stream and the metrics endpoint.
package api

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/jsoncodec"
	"github.com/theam/plasmido/internal/runtime/logging"
)

// Command handles one call. params holds the raw JSON arguments and may be
// empty.
type Command func(ctx context.Context, params []byte) (any, error)

// CommandFunc is a command with typed arguments and result.
type CommandFunc[T any, O any] func(ctx context.Context, params T) (O, error)

// Dispatcher routes command names to handlers.
type Dispatcher struct {
	logger logging.ServiceLogger

	mu       sync.RWMutex
	commands map[string]Command
}

func NewDispatcher(logger logging.ServiceLogger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		logger:   logger.With(logging.LogFields{"component": "api"}),
		commands: map[string]Command{},
	}
}

// Handle registers cmd under name, replacing any previous registration.
func (d *Dispatcher) Handle(name string, cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[name] = cmd
}

// Register adds a typed command. Arguments are decoded from JSON into a fresh
// T on every call; a missing body leaves T at its zero value.
func Register[T any, O any](d *Dispatcher, name string, fn CommandFunc[T, O]) {
	d.Handle(name, func(ctx context.Context, raw []byte) (any, error) {
		var params T
		if len(raw) > 0 && string(raw) != "null" {
			if err := jsoncodec.Unmarshal(raw, &params); err != nil {
				return nil, perrors.NewConfigurationError("params", reflect.TypeFor[T]().String(), err)
			}
		}
		return fn(ctx, params)
	})
}

// Dispatch runs the command called name.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params []byte) (any, error) {
	d.mu.RLock()
	cmd, ok := d.commands[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, perrors.ErrUnknownCommand)
	}

	result, err := cmd(ctx, params)
	if err != nil {
		d.logger.Debug("Command failed", logging.LogFields{"command": name, "err": err.Error()})
		return nil, err
	}
	return result, nil
}

// Names lists the registered commands in alphabetical order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
