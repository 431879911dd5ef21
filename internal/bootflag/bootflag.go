// Package bootflag persists "an automatic rollback was already attempted for
// the booted image" across reboots.
package bootflag

import (
	"context"

	"lifeboat/internal/logger"
	"lifeboat/internal/repository"
)

const (
	Namespace = "syscoord"
	Key       = "post_rb"
)

type Flag struct {
	kv  repository.KVStore
	log *logger.Logger
}

func New(kv repository.KVStore, log *logger.Logger) *Flag {
	if log == nil {
		log = logger.Nop()
	}
	return &Flag{kv: kv, log: log}
}

// IsSet treats a missing key or a read failure as unset.
func (f *Flag) IsSet(ctx context.Context) bool {
	v, ok, err := f.kv.GetBool(ctx, Namespace, Key)
	if err != nil {
		f.log.Warnw("rollback flag read failed", "err", err)
		return false
	}
	return ok && v
}

// Set skips the write when the stored value already matches.
func (f *Flag) Set(ctx context.Context, on bool) error {
	if v, ok, err := f.kv.GetBool(ctx, Namespace, Key); err == nil && ok && v == on {
		return nil
	}
	if err := f.kv.SetBool(ctx, Namespace, Key, on); err != nil {
		f.log.Errorw("rollback flag write failed", "value", on, "err", err)
		return err
	}
	return nil
}
