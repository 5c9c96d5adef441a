package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sushant-115/gojosession/core/domain"
	"github.com/sushant-115/gojosession/core/session"
	"github.com/sushant-115/gojosession/core/store"
)

// kvType is the single table the shell works on.
var kvType = domain.MustType("kv", []domain.Column{
	{Name: "key", Type: domain.ColumnString},
	{Name: "value", Type: domain.ColumnString},
}, "key")

const helpText = `commands:
  begin | commit | rollback       explicit transaction control
  put <k> <v>                     insert a new row
  save <k> <v>                    insert or replace a row
  update <k> <v>                  change a row (deferred inside a transaction)
  get <k>                         read a row now
  load <k>...                     queue reads; applied on the next send
  del <k>                         delete a row
  flush                           send pending work without committing
  partition <k>                   route the next transaction by key
  lock <read_committed|shared|exclusive>
  rollbackonly                    mark the open transaction rollback-only
  status                          show transaction state
  help | quit`

type shell struct {
	s       *session.Session
	out     io.Writer
	managed map[string]*domain.ValueHandler
}

func newShell(s *session.Session, out io.Writer) *shell {
	return &shell{s: s, out: out, managed: make(map[string]*domain.ValueHandler)}
}

func (sh *shell) printf(format string, args ...any) {
	fmt.Fprintf(sh.out, format+"\n", args...)
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	want := map[string]int{"put": 2, "save": 2, "update": 2, "get": 1, "del": 1, "partition": 1, "lock": 1}
	if n, ok := want[cmd]; ok && len(args) != n {
		sh.printf("usage: %s takes %d argument(s); see help", cmd, n)
		return false
	}

	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		sh.printf("%s", helpText)
	case "begin":
		err = sh.s.Begin(ctx)
	case "commit":
		err = sh.s.Commit(ctx)
	case "rollback":
		err = sh.s.Rollback(ctx)
	case "put":
		err = sh.write(ctx, args[0], args[1], sh.s.MakePersistent)
	case "save":
		err = sh.write(ctx, args[0], args[1], sh.s.SavePersistent)
	case "update":
		err = sh.update(ctx, args[0], args[1])
	case "get":
		err = sh.get(ctx, args[0])
	case "load":
		err = sh.load(ctx, args)
	case "del":
		err = sh.del(ctx, args[0])
	case "flush":
		err = sh.s.Flush(ctx)
	case "partition":
		err = sh.s.SetPartitionKey(kvType, args[0])
	case "lock":
		var mode store.LockMode
		if mode, err = store.ParseLockMode(args[0]); err == nil {
			err = sh.s.SetLockMode(mode)
		}
	case "rollbackonly":
		err = sh.s.SetRollbackOnly()
	case "status":
		sh.status()
		return false
	default:
		sh.printf("unknown command %q; try help", cmd)
		return false
	}
	if err != nil {
		sh.printf("error: %v", err)
		return false
	}
	sh.printf("ok")
	return false
}

func (sh *shell) write(ctx context.Context, k, v string, persist func(context.Context, *domain.ValueHandler) error) error {
	h, err := sh.s.NewInstance(kvType, k)
	if err != nil {
		return err
	}
	if err := h.Set("value", v); err != nil {
		return err
	}
	if err := persist(ctx, h); err != nil {
		return err
	}
	sh.managed[k] = h
	return nil
}

func (sh *shell) handler(ctx context.Context, k string) (*domain.ValueHandler, error) {
	if h, ok := sh.managed[k]; ok && h.Found() {
		return h, nil
	}
	h, err := sh.s.Find(ctx, kvType, k)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("no row for key %q", k)
	}
	sh.managed[k] = h
	return h, nil
}

func (sh *shell) update(ctx context.Context, k, v string) error {
	h, err := sh.handler(ctx, k)
	if err != nil {
		return err
	}
	if err := h.Set("value", v); err != nil {
		return err
	}
	if sh.s.CurrentTransaction().IsActive() {
		// Sent with the change list on the next flush or commit.
		return nil
	}
	return sh.s.UpdatePersistent(ctx, h)
}

func (sh *shell) get(ctx context.Context, k string) error {
	h, err := sh.s.Find(ctx, kvType, k)
	if err != nil {
		return err
	}
	if h == nil {
		sh.printf("%s: not found", k)
		return nil
	}
	sh.managed[k] = h
	v, _ := h.Get("value")
	sh.printf("%s = %v", k, v)
	return nil
}

func (sh *shell) load(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("load needs at least one key")
	}
	for _, k := range keys {
		h, err := sh.s.NewInstance(kvType, k)
		if err != nil {
			return err
		}
		if err := sh.s.Load(ctx, h); err != nil {
			return err
		}
		sh.managed[k] = h
	}
	return nil
}

func (sh *shell) del(ctx context.Context, k string) error {
	h, ok := sh.managed[k]
	if !ok {
		var err error
		if h, err = sh.s.NewInstance(kvType, k); err != nil {
			return err
		}
	}
	if err := sh.s.DeletePersistent(ctx, h); err != nil {
		return err
	}
	delete(sh.managed, k)
	return nil
}

func (sh *shell) status() {
	sh.printf("state=%s lock=%s rollback_only=%t pending_changes=%d",
		sh.s.State(), sh.s.LockMode(), sh.s.RollbackOnly(), sh.s.PendingChanges())
	keys := make([]string, 0, len(sh.managed))
	for k := range sh.managed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h := sh.managed[k]
		v, _ := h.Get("value")
		sh.printf("  %s found=%t modified=%t value=%v", k, h.Found(), h.IsModified(), v)
	}
}
