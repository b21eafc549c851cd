// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package updraft assembles the update delivery service. A Peer wires the
// metadata database, the payload store and the live gateway into the release
// service and the two HTTP surfaces: the management API that operators and CI
// pipelines release through, and the acquisition API that device SDKs poll
// for updates.
package updraft

import (
	"context"
	"net"
	"strings"

	hw "github.com/jtolds/monkit-hw/v2"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"updraft.dev/updraft/acquisitionweb"
	"updraft.dev/updraft/blobstore"
	"updraft.dev/updraft/blobstore/filestore"
	"updraft.dev/updraft/blobstore/s3store"
	"updraft.dev/updraft/internal/debug"
	"updraft.dev/updraft/internal/errs2"
	"updraft.dev/updraft/live"
	livememory "updraft.dev/updraft/live/memory"
	liveredis "updraft.dev/updraft/live/redis"
	"updraft.dev/updraft/management"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/release"
)

var (
	// Error is the class of errors returned by the peer assembly.
	Error = errs.Class("updraft")

	mon = monkit.Package()
)

func init() {
	hw.Register(monkit.Default)
}

// Config is the configuration for the whole peer.
type Config struct {
	Database string `user:"true" help:"metadata database URL (mem:, bolt://<path>, mongodb://<uri>)" default:"bolt://$CONFDIR/registry.db"`

	Blobs BlobConfig
	Live  LiveConfig

	Acquisition acquisitionweb.Config
	Management  management.Config
	Release     release.Config

	Debug debug.Config
}

// BlobConfig selects and configures the payload store backend.
type BlobConfig struct {
	Backend string `user:"true" help:"payload store backend (file, s3)" default:"file"`

	File filestore.Config
	S3   s3store.Config
}

// LiveConfig selects and configures the live gateway backend.
type LiveConfig struct {
	URL string `user:"true" help:"live gateway URL (memory:, redis://<host:port>)" default:"memory:"`
}

// OpenBlobs opens the payload store selected by config.
func OpenBlobs(ctx context.Context, config BlobConfig) (blobstore.Blobs, error) {
	switch config.Backend {
	case "", "file":
		return filestore.New(config.File)
	case "s3":
		return s3store.New(ctx, config.S3)
	default:
		return nil, Error.New("unknown blob backend %q", config.Backend)
	}
}

// OpenLive opens the live gateway at gatewayURL.
func OpenLive(ctx context.Context, gatewayURL string) (live.Gateway, error) {
	switch {
	case gatewayURL == "" || gatewayURL == "memory:" || gatewayURL == "memory://":
		return livememory.New(), nil
	case strings.HasPrefix(gatewayURL, "redis://"), strings.HasPrefix(gatewayURL, "rediss://"):
		return liveredis.OpenGatewayFrom(ctx, gatewayURL)
	default:
		return nil, Error.New("unknown live gateway URL %q", gatewayURL)
	}
}

// Peer is the update delivery process. The metadata database, payload store
// and live gateway are opened by the caller and remain the caller's to close.
//
// architecture: Peer
type Peer struct {
	Log   *zap.Logger
	DB    registry.DB
	Blobs blobstore.Blobs
	Cache live.Gateway

	Release *release.Service

	Management struct {
		Listener net.Listener
		Server   *management.Server
	}

	Acquisition struct {
		Listener net.Listener
		Server   *acquisitionweb.Server
	}

	Debug struct {
		Listener net.Listener
		Server   *debug.Server
	}
}

// New creates a new peer on top of the opened backends.
func New(log *zap.Logger, db registry.DB, blobs blobstore.Blobs, cache live.Gateway, config Config) (peer *Peer, err error) {
	peer = &Peer{
		Log:   log,
		DB:    db,
		Blobs: blobs,
		Cache: cache,
	}

	{ // setup debug endpoints
		if config.Debug.Address != "" {
			peer.Debug.Listener, err = net.Listen("tcp", config.Debug.Address)
			if err != nil {
				// debug is best effort, the peer works without it
				log.Debug("failed to start debug endpoints", zap.Error(err))
				err = nil
			}
		}
		peer.Debug.Server = debug.NewServer(log.Named("debug"), peer.Debug.Listener, monkit.Default, config.Debug)
	}

	{ // setup release service
		peer.Release = release.New(log.Named("release"), peer.DB, peer.Blobs, peer.Cache, config.Release)
	}

	{ // setup acquisition server
		peer.Acquisition.Listener, err = net.Listen("tcp", config.Acquisition.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		// Only the file-backed store serves payloads through the
		// acquisition server; other backends hand out absolute URLs.
		files, _ := peer.Blobs.(*filestore.Store)

		peer.Acquisition.Server = acquisitionweb.NewServer(log.Named("acquisition"),
			peer.Acquisition.Listener, peer.DB, peer.Cache, files, config.Acquisition)
	}

	{ // setup management server
		peer.Management.Listener, err = net.Listen("tcp", config.Management.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Management.Server = management.NewServer(log.Named("management"),
			peer.Management.Listener, peer.DB, peer.Cache, peer.Release, config.Management)
	}

	return peer, nil
}

// Run runs the peer servers until the context is canceled or a server fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	// A broken payload store should fail the process at startup, not the
	// first release.
	if err := blobstore.Probe(ctx, peer.Blobs); err != nil {
		return Error.Wrap(err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		peer.Log.Info("management server started", zap.String("address", peer.Management.Listener.Addr().String()))
		return errs2.IgnoreCanceled(peer.Management.Server.Run(ctx))
	})
	group.Go(func() error {
		peer.Log.Info("acquisition server started", zap.String("address", peer.Acquisition.Listener.Addr().String()))
		return errs2.IgnoreCanceled(peer.Acquisition.Server.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Debug.Server.Run(ctx))
	})

	return group.Wait()
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	var group errs.Group

	// close servers in reverse initialization order
	if peer.Management.Server != nil {
		group.Add(peer.Management.Server.Close())
	} else if peer.Management.Listener != nil {
		group.Add(peer.Management.Listener.Close())
	}

	if peer.Acquisition.Server != nil {
		group.Add(peer.Acquisition.Server.Close())
	} else if peer.Acquisition.Listener != nil {
		group.Add(peer.Acquisition.Listener.Close())
	}

	if peer.Release != nil {
		group.Add(peer.Release.Close())
	}

	if peer.Debug.Server != nil {
		group.Add(peer.Debug.Server.Close())
	} else if peer.Debug.Listener != nil {
		group.Add(peer.Debug.Listener.Close())
	}

	return group.Err()
}

// ManagementAddr returns the address the management server listens on.
func (peer *Peer) ManagementAddr() string { return peer.Management.Listener.Addr().String() }

// AcquisitionAddr returns the address the acquisition server listens on.
func (peer *Peer) AcquisitionAddr() string { return peer.Acquisition.Listener.Addr().String() }
