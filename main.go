// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// syncobj is a userspace daemon keeping one synchronized mapping. The
// mapping is persisted to a durable medium (file, block device or S3
// object), replicated in real time to the other daemons joined at the same
// rendezvous address, and optionally mounted through FUSE, either as a
// directory tree or as a single file backed by a block device.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/mapping is the consistency core. It composes internal/store
// (durable store) and internal/replica (replication channel).
//
// - internal/block contains the block backend abstraction with file and
// memory implementations, internal/block/mapblock stores blocks in a mapping
// and internal/null does nothing but correctly. It can be used for
// benchmarking the FUSE bridge.
//
// - internal/fsproj is the filesystem projection and internal/fsproj/fuse
// mounts it.
//
// - internal/config contains configuration package which is common for all
// the modes.
package main

import (
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/syncobj/internal/block"
	"github.com/asch/syncobj/internal/block/mapblock"
	"github.com/asch/syncobj/internal/codec"
	"github.com/asch/syncobj/internal/config"
	"github.com/asch/syncobj/internal/fsproj"
	"github.com/asch/syncobj/internal/fsproj/fuse"
	"github.com/asch/syncobj/internal/mapping"
	"github.com/asch/syncobj/internal/metrics"
	"github.com/asch/syncobj/internal/null"
	"github.com/asch/syncobj/internal/store"
	"github.com/asch/syncobj/internal/store/s3"
)

// Everything the daemon has to stop on exit, in this order.
type daemon struct {
	server     *gofuse.Server
	projection *fsproj.Projection
	closers    []func() error
}

// Parse configuration from file and environment variables, opens the
// mapping and mounts it. The daemon runs until it is signaled by SIGINT or
// SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	d, err := setup()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	stop := registerSigHandlers()

	if d.server != nil {
		go func() {
			<-stop
			log.Info().Msgf("Received interrupt, unmounting %s!", config.Cfg.Mount.Point)
			if err := fuse.Unmount(d.server, d.projection); err != nil {
				log.Error().Err(err).Send()
			}
		}()

		d.server.Wait()
	} else {
		<-stop
		log.Info().Msg("Received interrupt, stopping!")
	}

	for _, c := range d.closers {
		if err := c(); err != nil {
			log.Error().Err(err).Send()
		}
	}
}

// Opens the data path for the configured mode and mounts it if a
// mountpoint is configured.
func setup() (*daemon, error) {
	var (
		d   daemon
		ns  fsproj.Namespace
		err error
	)

	if config.Cfg.Device.Backend == "none" {
		ns, err = openTree(&d)
	} else {
		ns, err = openDevice(&d)
	}

	if err != nil {
		d.close()
		return nil, err
	}

	if config.Cfg.Mount.Point == "" {
		return &d, nil
	}

	d.projection = fsproj.New(ns)
	d.server, err = fuse.Mount(fuse.Options{
		Mountpoint: config.Cfg.Mount.Point,
		Projection: d.projection,
		AllowOther: config.Cfg.Mount.AllowOther,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	return &d, nil
}

func (d *daemon) close() {
	for _, c := range d.closers {
		c()
	}
}

// Tree mode. The mapping holds paths and starts with the root directory.
func openTree(d *daemon) (fsproj.Namespace, error) {
	m, err := openMapping(map[string]fsproj.Node{fsproj.Root: fsproj.RootNode()})
	if err != nil {
		return nil, err
	}

	d.closers = append(d.closers, m.Close)

	return fsproj.NewTree(m, fsproj.TreeOptions{MaxFileSize: config.Cfg.Mount.MaxFileSize})
}

// Device mode. A block backend is shown as one file.
func openDevice(d *daemon) (fsproj.Namespace, error) {
	geom := block.Geometry{BlockSize: config.Cfg.Device.BlockSize, TotalBlocks: config.Cfg.Device.TotalBlocks}

	var (
		backend block.Backend
		err     error
	)

	switch config.Cfg.Device.Backend {
	case "file":
		backend, err = block.OpenFile(config.Cfg.Device.Path, geom, block.FileOptions{Direct: config.Cfg.Device.Direct})
	case "null":
		backend, err = null.New(geom)
	case "memory":
		backend, err = block.NewMemory(geom)
	case "map":
		var m *mapping.Map[int64, []byte]
		m, err = openMapping[int64, []byte](nil)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, m.Close)
		backend, err = mapblock.New(m, geom)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "open %s backend", config.Cfg.Device.Backend)
	}

	dev, err := block.NewDevice(config.Cfg.Device.Path, geom, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	// Device goes first, the mapping below it is closed after it.
	d.closers = append([]func() error{dev.Close}, d.closers...)

	return fsproj.NewDeviceFile(dev, config.Cfg.Mount.FileName), nil
}

// Returns synchronized mapping with the configured durable medium and
// replication. Defaults are used when the medium holds nothing yet.
func openMapping[K comparable, V any](defaults map[K]V) (*mapping.Map[K, V], error) {
	o := mapping.Options[K, V]{
		SyncFlush: config.Cfg.Store.SyncFlush,
		Origin:    config.Cfg.Replica.Origin,
	}

	medium, err := openMedium()
	if err != nil {
		return nil, err
	}

	if medium != nil {
		o.Store, err = openStore(medium, defaults)
		if err != nil {
			return nil, err
		}
	}

	if config.Cfg.Replica.Addr != "" {
		o.Replica = &mapping.ReplicaOptions{
			Addr:        config.Cfg.Replica.Addr,
			Role:        mapping.Role(config.Cfg.Replica.Role),
			Outbox:      config.Cfg.Replica.Outbox,
			MaxFrame:    uint32(config.Cfg.Replica.MaxFrame),
			DialTimeout: time.Duration(config.Cfg.Replica.DialTimeoutMs) * time.Millisecond,
		}
	}

	m, err := mapping.Open(o)
	if err != nil {
		if o.Store != nil {
			o.Store.Close()
		}

		return nil, err
	}

	// Without a store the defaults still have to be there.
	if o.Store == nil {
		for k, v := range defaults {
			if err := m.Set(k, v); err != nil {
				log.Warn().Err(err).Msg("Seeding defaults.")
			}
		}
	}

	return m, nil
}

// Opens the store on medium. The medium is closed when the store can not be
// opened.
func openStore[K comparable, V any](medium store.Medium, defaults map[K]V) (s *store.Store[K, V], err error) {
	defer func() {
		if err == nil {
			return
		}

		if c, ok := medium.(io.Closer); ok {
			c.Close()
		}
	}()

	compressor, err := codec.CompressorByName(config.Cfg.Store.Compression, config.Cfg.Store.CompressionLevel)
	if err != nil {
		return nil, err
	}

	return store.Open(medium, defaults, store.Options{Compressor: compressor})
}

// Returns the configured durable medium, nil for none.
func openMedium() (store.Medium, error) {
	switch config.Cfg.Store.Medium {
	case "file":
		return &store.FileMedium{Path: config.Cfg.Store.Path}, nil
	case "s3":
		return s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			Object:    config.Cfg.S3.Object,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		})
	case "device":
		geom := block.Geometry{BlockSize: config.Cfg.Device.BlockSize, TotalBlocks: config.Cfg.Store.DeviceBlocks}
		f, err := block.OpenFile(config.Cfg.Store.Path, geom, block.FileOptions{Direct: config.Cfg.Device.Direct})
		if err != nil {
			return nil, err
		}
		dev, err := block.NewDevice(config.Cfg.Store.Path, geom, f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &store.DeviceMedium{Backend: dev}, nil
	}

	return nil, nil
}

// Returns channel closed when SIGINT or SIGTERM came in.
func registerSigHandlers() <-chan struct{} {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)

	stop := make(chan struct{})
	go func() {
		<-stopChan
		close(stop)
	}()

	return stop
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and serves metrics. Useful for
// perfomance debugging.
func runProfiler(port int) {
	http.Handle("/metrics", metrics.Handler())

	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
