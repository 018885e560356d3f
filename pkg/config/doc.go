// Package config loads and publishes the brokerd configuration.
//
// # Overview
//
// A single YAML file is decoded over Default(), secrets are overridden from
// BROKER_* environment variables, and the result is checked with validator
// tags plus cross references (every resource type routes to a configured
// backend).
//
// # Components
//
// Config: the decoded file. EngineTunables, ReconcilerTunables and
// LedgerTunables turn it into the explicit values the core packages take.
//
// Holder and Watcher: the Watcher reloads the file on change (fsnotify,
// debounced) and swaps it into the Holder, whose subscribers call the
// components' Reload methods. Sections read only at startup are kept at
// their running values; RestartRequired names them.
//
// SchemaRegistry: per resource type CUE schemas for order attributes. The
// built-in schemas cover "vm", "namespace" and "hpc-allocation"; the catalog
// may replace them.
//
// AllocationRules: per resource type Starlark rules computing the quota
// reservation of an order.
//
// # Example
//
//	cfg, err := config.Load("brokerd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	holder := config.NewHolder(cfg)
//	holder.Subscribe(func(_, next *config.Config) {
//	    reconciler.Reload(next.ReconcilerTunables())
//	})
//	_ = config.NewWatcher("brokerd.yaml", holder, logger).Start(ctx)
package config
