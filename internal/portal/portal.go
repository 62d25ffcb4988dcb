// Package portal is the library entry point of sship. It wires discovery,
// key agreement and transfer together from a single Config.
package portal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/discovery/multicast"
	"github.com/SpatiumPortae/sship/internal/discovery/rendezvous"
	"github.com/SpatiumPortae/sship/internal/manifest"
	"github.com/SpatiumPortae/sship/internal/receiver"
	"github.com/SpatiumPortae/sship/internal/semver"
	"github.com/SpatiumPortae/sship/internal/sender"
	"github.com/SpatiumPortae/sship/internal/transfer"
)

// Send offers the file or directory at path. The manifest is built and the
// code advertised synchronously, after that receivers are served
// asynchronously. Send returns the pairing code and a channel on which the
// outcome of the offer is delivered. Events are forwarded to msgs. The
// provided config will be merged with the default config.
func Send(ctx context.Context, path string, config *Config, msgs ...chan interface{}) (string, chan error, error) {
	m, err := manifest.Build(path)
	if err != nil {
		return "", nil, err
	}
	return SendManifest(ctx, m, path, config, msgs...)
}

// SendManifest is Send for an item whose manifest m was already built from path.
func SendManifest(ctx context.Context, m *manifest.Manifest, path string, config *Config, msgs ...chan interface{}) (string, chan error, error) {
	merged := MergeConfig(defaultConfig, config)
	var (
		c   code.Code
		err error
	)
	if merged.Code != "" {
		c, err = code.Validate(merged.Code)
	} else {
		c, err = code.Generate()
	}
	if err != nil {
		return "", nil, err
	}

	offer := sender.New(c, m, path, sender.Config{
		Discoverer:    merged.discoverer(),
		Lifetime:      merged.CodeLifetime,
		ListenAddr:    merged.ListenAddr,
		AdvertiseHost: merged.AdvertiseHost,
		ChunkSize:     merged.ChunkSize,
		Compress:      merged.Compress,
		IdleTimeout:   merged.IdleTimeout,
		MaxResumes:    merged.MaxResumes,
		Logger:        merged.logger(),
	})

	events := make(chan interface{})
	errC := make(chan error, 1) // buffer channel as to not block send.
	ready := make(chan struct{})
	go func() {
		err := offer.Run(ctx, events)
		close(events)
		errC <- err
		close(errC)
	}()
	go func() {
		var once sync.Once
		for e := range events {
			if _, ok := e.(sender.Advertised); ok {
				once.Do(func() { close(ready) })
			}
			if len(msgs) > 0 {
				msgs[0] <- e
			}
		}
	}()

	select {
	case <-ready:
		return c.String(), errC, nil
	case err := <-errC:
		return "", nil, err
	}
}

// Receive receives the item offered under the pairing code into dest. The
// provided config will be merged with the default config.
func Receive(ctx context.Context, password string, dest string, config *Config, msgs ...chan interface{}) (*transfer.Result, error) {
	merged := MergeConfig(defaultConfig, config)
	c, err := code.Validate(password)
	if err != nil {
		return nil, err
	}
	return receiver.Receive(ctx, c, receiver.Config{
		Discoverer:     merged.discoverer(),
		ResolveTimeout: merged.ResolveTimeout,
		Lifetime:       merged.CodeLifetime,
		Dest:           dest,
		Rename:         merged.Rename,
		Overwrite:      merged.Overwrite,
		Store:          merged.store(),
		IdleTimeout:    merged.IdleTimeout,
		Logger:         merged.logger(),
	}, msgs...)
}

// Discover lists the offers announced on the local network within wait.
func Discover(ctx context.Context, wait time.Duration, config *Config) ([]discovery.Entry, error) {
	merged := MergeConfig(defaultConfig, config)
	return multicast.New(merged.MulticastGroup, multicast.WithLogger(merged.logger())).Browse(ctx, wait)
}

// CheckRendezvous verifies that the configured rendezvous server speaks a
// compatible protocol. It does nothing for other discovery mechanisms.
func CheckRendezvous(ctx context.Context, config *Config) error {
	merged := MergeConfig(defaultConfig, config)
	if merged.Discoverer != nil || merged.Discovery != DiscoveryRendezvous {
		return nil
	}
	v, err := rendezvous.NewClient(merged.RendezvousAddr).Version(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}
	if !semver.Protocol.Compatible(v) {
		return fmt.Errorf("rendezvous server %s runs version %s, incompatible with protocol %s", merged.RendezvousAddr, v, semver.Protocol)
	}
	return nil
}
