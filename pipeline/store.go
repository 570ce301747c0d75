package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/wolfeidau/imgcache/config"
	"github.com/wolfeidau/imgcache/store"
	"github.com/wolfeidau/imgcache/store/boltstore"
	"github.com/wolfeidau/imgcache/store/jsonstore"
	"github.com/wolfeidau/imgcache/store/sqlstore"
)

// NewStore creates the configured store. It must be initialized before use;
// New does that.
func NewStore(opts config.Options, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var s store.Store
	switch opts.Store {
	case config.StoreJSON, "":
		jopts := []jsonstore.Option{jsonstore.WithLogger(logger)}
		if opts.StoreFile != "" {
			jopts = append(jopts, jsonstore.WithFile(opts.StoreFile))
		}
		s = jsonstore.New(jopts...)
	case config.StoreSQLite:
		sopts := []sqlstore.Option{sqlstore.WithLogger(logger), sqlstore.WithWAL(true)}
		if opts.StoreFile != "" {
			sopts = append(sopts, sqlstore.WithFile(opts.StoreFile))
		}
		s = sqlstore.New(sopts...)
	case config.StoreBolt:
		bopts := []boltstore.Option{boltstore.WithLogger(logger)}
		if opts.StoreFile != "" {
			bopts = append(bopts, boltstore.WithFile(opts.StoreFile))
		}
		s = boltstore.New(bopts...)
	default:
		return nil, fmt.Errorf("unknown store %q", opts.Store)
	}
	name := opts.Store
	if name == "" {
		name = config.StoreJSON
	}
	return store.NewInstrumented(s, name), nil
}
