package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tabsync/internal/multitab"
	"tabsync/internal/rpc"
)

// ErrUsage is returned for malformed commands.
var ErrUsage = errors.New("usage")

const help = `commands:
  call <name> [json array of args]   run a worker operation, printing progress
  set <key> <json>                   change the replicated global state
  shared <key> <json>                change the shared state
  localdb <table> <id> <json>        change the local DB (master shares it)
  state                              print global and shared state
  focus                              check worker health
  debug on|off                       toggle worker debug logging
  master on|off                      record an election result
  died <token>                       report a dead tab
  help`

// Exec runs one command line and returns what it printed.
func (a *Agent) Exec(ctx context.Context, line string) (string, error) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
		return "", nil
	case "help":
		return help, nil
	case "call":
		return a.call(ctx, rest)
	case "set":
		key, value, err := keyValue(rest)
		if err != nil {
			return "", err
		}
		a.store.Update(func(s multitab.State) multitab.State {
			next := make(multitab.State, len(s)+1)
			for k, v := range s {
				next[k] = v
			}
			next[key] = value
			return next
		})
		return "ok", nil
	case "shared":
		key, value, err := keyValue(rest)
		if err != nil {
			return "", err
		}
		if err := a.shared.Update(ctx, map[string]any{key: value}); err != nil {
			return "", err
		}
		return "ok", nil
	case "localdb":
		return a.localDB(ctx, rest)
	case "state":
		return fmt.Sprintf("global: %s\nshared: %s", encode(a.Global()), encode(a.Shared())), nil
	case "focus":
		a.conn.OnFocus()
		return "health check scheduled", nil
	case "debug":
		on, err := onOff(rest)
		if err != nil {
			return "", err
		}
		if _, err := a.conn.SetShouldEnableDebugLog(on).Wait(ctx); err != nil {
			return "", err
		}
		return "ok", nil
	case "master":
		on, err := onOff(rest)
		if err != nil {
			return "", err
		}
		a.role.SetMaster(on)
		if on {
			if err := a.conn.Init(ctx, a.initialArgs()); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("master=%t", on), nil
	case "died":
		if rest == "" {
			return "", fmt.Errorf("%w: died <token>", ErrUsage)
		}
		a.role.TokenDied(rest)
		return "ok", nil
	default:
		return "", fmt.Errorf("%w: unknown command %q, try help", ErrUsage, cmd)
	}
}

func (a *Agent) call(ctx context.Context, rest string) (string, error) {
	name, rawArgs, _ := strings.Cut(rest, " ")
	if name == "" {
		return "", fmt.Errorf("%w: call <name> [json args]", ErrUsage)
	}
	var args []any
	if rawArgs = strings.TrimSpace(rawArgs); rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("%w: args must be a json array: %v", ErrUsage, err)
		}
	}

	p := rpc.NewProgress(func(args []json.RawMessage) {
		a.printf("progress %s: %s\n", name, encode(args))
	})
	res, err := a.conn.Call(name, args, rpc.WithProgress(p)).Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			a.conn.Cancel(p)
		}
		return "", err
	}
	out := string(res.Value)
	if res.ArrayBuffer != nil {
		out += fmt.Sprintf(" (+%d bytes)", len(res.ArrayBuffer))
	}
	return out, nil
}

func (a *Agent) localDB(ctx context.Context, rest string) (string, error) {
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) != 3 || !json.Valid([]byte(fields[2])) {
		return "", fmt.Errorf("%w: localdb <table> <id> <json>", ErrUsage)
	}
	value := json.RawMessage(fields[2])
	a.conn.UpdateLocalDB(fields[0], fields[1], value)
	err := a.bus.ShareLocalDB(ctx, []multitab.LocalDBUpdate{{Name: fields[0], Prop: fields[1], Value: value}})
	if err != nil {
		return "", err
	}
	return "ok", nil
}

func keyValue(rest string) (string, any, error) {
	key, raw, ok := strings.Cut(rest, " ")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("%w: <key> <json>", ErrUsage)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return "", nil, fmt.Errorf("%w: value must be json: %v", ErrUsage, err)
	}
	return key, value, nil
}

func onOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected on or off", ErrUsage)
}
