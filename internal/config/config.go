// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/pflag"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/syncobj/config.toml"

	mib = 1024 * 1024
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Store struct {
		Path             string `toml:"path" env:"SYNCOBJ_STORE_PATH" env-default:"/var/lib/syncobj/snapshot" env-description:"Path of the durable medium. A file for the file medium, a file or device node for the device medium."`
		Medium           string `toml:"medium" env:"SYNCOBJ_STORE_MEDIUM" env-default:"file" env-description:"Durable medium. One of file, s3, device or none."`
		Compression      string `toml:"compression" env:"SYNCOBJ_STORE_COMPRESSION" env-default:"none" env-description:"Snapshot compression. One of none, zstd or lz4."`
		CompressionLevel int    `toml:"compression_level" env:"SYNCOBJ_STORE_COMPRESSION_LEVEL" env-default:"5" env-description:"Compression level. 1-22 for zstd, 0-9 for lz4."`
		SyncFlush        bool   `toml:"sync_flush" env:"SYNCOBJ_STORE_SYNC_FLUSH" env-default:"false" env-description:"Persist inside every mutation instead of in the background."`
		DeviceBlocks     int64  `toml:"device_blocks" env:"SYNCOBJ_STORE_DEVICE_BLOCKS" env-default:"2048" env-description:"Number of blocks of the device medium. Block size is shared with the device section."`
	} `toml:"store"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"SYNCOBJ_S3_BUCKET" env-description:"S3 Bucket name." env-default:"syncobj"`
		Remote    string `toml:"remote" env:"SYNCOBJ_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"SYNCOBJ_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"SYNCOBJ_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"SYNCOBJ_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Object    string `toml:"object" env:"SYNCOBJ_S3_OBJECT" env-description:"Object holding the snapshot." env-default:"syncobj/snapshot"`
	} `toml:"s3"`

	Replica struct {
		Addr          string `toml:"addr" env:"SYNCOBJ_REPLICA_ADDR" env-default:"" env-description:"Rendezvous address host:port. Empty disables replication."`
		Role          string `toml:"role" env:"SYNCOBJ_REPLICA_ROLE" env-default:"auto" env-description:"One of auto, server or client. Auto connects and serves when nobody listens."`
		Origin        string `toml:"origin" env:"SYNCOBJ_REPLICA_ORIGIN" env-default:"" env-description:"Replica identifier. Generated when empty."`
		Outbox        int    `toml:"outbox" env:"SYNCOBJ_REPLICA_OUTBOX" env-default:"1024" env-description:"Messages buffered per peer before the peer is dropped."`
		MaxFrame      int    `toml:"max_frame" env:"SYNCOBJ_REPLICA_MAX_FRAME" env-default:"64" env-description:"Biggest accepted message in MB."`
		DialTimeoutMs int64  `toml:"dial_timeout_ms" env:"SYNCOBJ_REPLICA_DIAL_TIMEOUT" env-default:"5000" env-description:"Connect and handshake timeout in ms."`
	} `toml:"replica"`

	Device struct {
		Backend     string `toml:"backend" env:"SYNCOBJ_DEVICE_BACKEND" env-default:"none" env-description:"Block backend shown as a single file. One of none, file, map, null or memory. None shows the mapping as a directory tree."`
		Path        string `toml:"path" env:"SYNCOBJ_DEVICE_PATH" env-default:"/var/lib/syncobj/device.img" env-description:"Path of the file backend."`
		BlockSize   int64  `toml:"block_size" env:"SYNCOBJ_DEVICE_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
		TotalBlocks int64  `toml:"total_blocks" env:"SYNCOBJ_DEVICE_TOTAL_BLOCKS" env-default:"262144" env-description:"Number of blocks."`
		Direct      bool   `toml:"direct" env:"SYNCOBJ_DEVICE_DIRECT" env-default:"false" env-description:"Bypass page cache of the file backend."`
	} `toml:"device"`

	Mount struct {
		Point       string `toml:"point" env:"SYNCOBJ_MOUNT_POINT" env-default:"" env-description:"Mountpoint of the filesystem. Empty disables mounting."`
		AllowOther  bool   `toml:"allow_other" env:"SYNCOBJ_MOUNT_ALLOW_OTHER" env-default:"false" env-description:"Allow other users to access the mount."`
		MaxFileSize int64  `toml:"max_file_size" env:"SYNCOBJ_MOUNT_MAX_FILE_SIZE" env-default:"1024" env-description:"Biggest file of the tree in MB."`
		FileName    string `toml:"file_name" env:"SYNCOBJ_MOUNT_FILE_NAME" env-default:"device" env-description:"Name of the file showing the block backend."`
	} `toml:"mount"`

	Log struct {
		Level  int  `toml:"level" env:"SYNCOBJ_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"SYNCOBJ_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"SYNCOBJ_PROFILER" env-description:"Enable golang web profiler and metrics." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"SYNCOBJ_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup(os.Args[1:])

	return parse()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Replica.MaxFrame *= mib
	Cfg.Mount.MaxFileSize *= mib

	if Cfg.Device.BlockSize != 512 {
		Cfg.Device.BlockSize = 4096
	}

	Cfg.Store.Medium = strings.ToLower(Cfg.Store.Medium)
	Cfg.Device.Backend = strings.ToLower(Cfg.Device.Backend)
	Cfg.Replica.Role = strings.ToLower(Cfg.Replica.Role)

	if err := oneOf("store.medium", Cfg.Store.Medium, "file", "s3", "device", "none"); err != nil {
		return err
	}

	if err := oneOf("device.backend", Cfg.Device.Backend, "none", "file", "map", "null", "memory"); err != nil {
		return err
	}

	return oneOf("replica.role", Cfg.Replica.Role, "auto", "server", "client")
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}

	return errors.Newf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}

// Handle program flags.
func flagSetup(args []string) {
	f := pflag.NewFlagSet("syncobj", pflag.ExitOnError)
	f.StringVarP(&Cfg.ConfigPath, "config", "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(os.Stderr, &Cfg, nil, f.PrintDefaults)
	f.Parse(args)
}
