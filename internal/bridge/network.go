package bridge

import (
	"context"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/ipc"
	"github.com/CZERTAINLY/scanbridge/internal/model"
	"github.com/CZERTAINLY/scanbridge/internal/network"
)

// Network runs scans on a remote scanbridge server addressed by
// ScanOptions.NetworkAddress.
type Network struct {
	token       string
	dialTimeout time.Duration
	grace       time.Duration
}

func NewNetwork(cfg model.Network) *Network {
	return &Network{
		token:       cfg.Token,
		dialTimeout: cfg.DialTimeout,
		grace:       cfg.CancelGrace,
	}
}

func (b *Network) connect(ctx context.Context, opts model.ScanOptions) (*ipc.Client, error) {
	if opts.NetworkAddress == "" {
		return nil, model.Errorf(model.KindInvalidOptions, "network scan without an address")
	}
	dctx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	defer cancel()
	return network.Dial(dctx, opts.NetworkAddress, b.token)
}

func (b *Network) GetDeviceList(ctx context.Context, opts model.ScanOptions) ([]model.ScanDevice, error) {
	client, err := b.connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()
	return client.GetDeviceList(ctx, opts)
}

func (b *Network) Scan(ctx context.Context, opts model.ScanOptions, sink model.Sink) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	client, err := b.connect(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	return drain(ctx, client, opts, sink, b.grace).err
}
