// Command simsync syncs the buckets declared in a config file into a local
// pebble store and inspects them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	simperium "github.com/simperium/simperium.go"
	"github.com/simperium/simperium.go/pkg/config"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/metrics"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/storage"
	"github.com/simperium/simperium.go/pkg/storage/memory"
	"github.com/simperium/simperium.go/pkg/storage/pebblestore"
)

const (
	version       = "0.1.0"
	defaultConfig = "simsync.toml"
)

const usage = `Simperium bucket sync.

Usage:
    simsync [--config=<path>] sync [--metrics=<addr>]
    simsync [--config=<path>] keys <bucket>
    simsync [--config=<path>] get <bucket> <key>
    simsync [--config=<path>] put <bucket> <key> <json>
    simsync [--config=<path>] delete <bucket> <key>
    simsync [--config=<path>] pending <bucket>
    simsync [--config=<path>] reset
    simsync -h | --help
    simsync --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    TOML config file [default: simsync.toml].
    --metrics=<addr>   Serve prometheus metrics on addr, e.g. :9100.

SIMPERIUM_APP_ID, SIMPERIUM_TOKEN and SIMPERIUM_URL override the file.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "simsync:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	log    logger.Logger
	logs   *os.File
	store  storage.Storage
	client *simperium.Client
	reg    *prometheus.Registry
}

func run(opts docopt.Opts) error {
	path, _ := opts.String("--config")
	if _, err := os.Stat(path); path == defaultConfig && errors.Is(err, fs.ErrNotExist) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	bucket, _ := opts.String("<bucket>")
	key, _ := opts.String("<key>")

	switch {
	case flag(opts, "sync"):
		addr, _ := opts.String("--metrics")
		if addr == "" {
			addr = cfg.Metrics.Listen
		}
		return a.sync(ctx, addr)
	case flag(opts, "keys"):
		b, err := a.client.Lookup(bucket)
		if err != nil {
			return err
		}
		keys, err := b.Keys(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	case flag(opts, "get"):
		b, err := a.client.Lookup(bucket)
		if err != nil {
			return err
		}
		obj, err := b.ObjectForKey(ctx, key)
		if err != nil {
			return err
		}
		return printObject(obj)
	case flag(opts, "put"):
		raw, _ := opts.String("<json>")
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return fmt.Errorf("object data: %w", err)
		}
		b, err := a.client.Lookup(bucket)
		if err != nil {
			return err
		}
		return b.InsertOrUpdate(ctx, models.NewObject(key, data))
	case flag(opts, "delete"):
		b, err := a.client.Lookup(bucket)
		if err != nil {
			return err
		}
		return b.Delete(ctx, key)
	case flag(opts, "pending"):
		b, err := a.client.Lookup(bucket)
		if err != nil {
			return err
		}
		keys, err := b.Pending(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	case flag(opts, "reset"):
		return a.client.ClearLocalData(ctx)
	}
	return nil
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func open(ctx context.Context, cfg *config.Config) (*app, error) {
	build := logger.NewBuild().FromBuffer(os.Stderr).Level(cfg.Logging.Level)
	if cfg.Logging.Path != "" {
		build = build.FromPath(cfg.Logging.Path)
	}
	log, logs, err := build.Make()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, logs: logs, reg: prometheus.NewRegistry()}
	if cfg.Storage.Path == "" {
		a.store = memory.New()
	} else {
		ps, err := pebblestore.Open(cfg.Storage.Path, pebblestore.Options{CacheSize: cfg.Storage.CacheSize})
		if err != nil {
			a.close()
			return nil, err
		}
		a.store = ps
		if err := a.reg.Register(pebblestore.NewCollector(ps)); err != nil {
			a.close()
			return nil, err
		}
	}

	m, err := metrics.New(a.reg)
	if err != nil {
		a.close()
		return nil, err
	}
	cc, err := cfg.Connection()
	if err != nil {
		a.close()
		return nil, err
	}
	a.client, err = simperium.New(cc, a.store, simperium.Options{
		Logger:             log,
		Metrics:            m,
		Delegate:           &logDelegate{log: log},
		BucketNames:        cfg.BucketNames(),
		IndexPageSize:      cfg.IndexPageSize,
		MaxConflictRetries: cfg.MaxConflictRetries,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	schemas, err := cfg.Schemas()
	if err != nil {
		a.close()
		return nil, err
	}
	for _, s := range schemas {
		if _, err := a.client.Bucket(ctx, s); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.client != nil {
		if err := a.client.Close(ctx); err != nil {
			a.log.Warn("close client", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage", "error", err)
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// sync connects and runs until ctx is cancelled.
func (a *app) sync(ctx context.Context, addr string) error {
	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server", "addr", addr, "error", err)
			}
		}()
		defer srv.Close()
	}

	if err := a.client.Connect(ctx); err != nil {
		return err
	}
	a.log.Info("syncing", "buckets", a.client.Buckets(), "client", a.client.ClientID())
	<-ctx.Done()
	return nil
}

func printObject(obj *models.Object) error {
	out := struct {
		Key        string                      `json:"key"`
		Version    models.Version              `json:"version,omitempty"`
		Data       map[string]any              `json:"data"`
		References map[string]models.Reference `json:"references,omitempty"`
	}{Key: obj.Key, Version: obj.Version(), Data: obj.Data, References: obj.References}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
