package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/bridge"
	"github.com/CZERTAINLY/scanbridge/internal/controller"
	"github.com/CZERTAINLY/scanbridge/internal/imaging"
	"github.com/CZERTAINLY/scanbridge/internal/model"
	"github.com/CZERTAINLY/scanbridge/internal/network"

	"github.com/spf13/cobra"
)

var (
	flagDriver     string
	flagDevice     string
	flagResolution int
	flagSource     string
	flagBitDepth   string
	flagWorker     bool
	flagRemote     string
	flagOut        string
	flagFormat     string
)

func init() {
	for _, cmd := range []*cobra.Command{devicesCmd, scanCmd} {
		cmd.Flags().StringVar(&flagDriver, "driver", string(model.DriverSim), "driver to use: wia, twain, sane, ica, escl or sim; empty lists all drivers")
		cmd.Flags().BoolVar(&flagWorker, "worker", false, "run the driver in a worker process")
		cmd.Flags().StringVar(&flagRemote, "remote", "", "address of a scanbridge server to run the request on")
	}
	scanCmd.Flags().StringVar(&flagDevice, "device", "", "device id as printed by the devices command")
	scanCmd.Flags().IntVar(&flagResolution, "resolution", model.DefaultResolution, "resolution in dpi")
	scanCmd.Flags().StringVar(&flagSource, "source", string(model.SourceFlatbed), "paper source: flatbed, feeder or duplex")
	scanCmd.Flags().StringVar(&flagBitDepth, "bit-depth", string(model.BitDepthColor), "bit depth: color, gray or bw")
	scanCmd.Flags().StringVar(&flagOut, "out", ".", "directory to store pages in")
	scanCmd.Flags().StringVar(&flagFormat, "format", string(imaging.PNG), "page format: png, tiff or bmp")
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "devices lists the scanners the drivers can see",
	RunE:  doDevices,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "scan acquires pages from one device and stores them in a directory",
	RunE:  doScan,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve exposes the local drivers to remote scanbridge clients",
	RunE:  doServe,
}

func newController() (*controller.Controller, func()) {
	c := controller.New(config, registry())
	return c, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			slog.Warn("shutting down workers", "error", err)
		}
	}
}

func doDevices(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, closeFn := newController()
	defer closeFn()

	var kinds []model.DriverKind
	if flagDriver != "" {
		kinds = append(kinds, model.DriverKind(flagDriver))
	}

	var errs []error
	if flagWorker || flagRemote != "" {
		for _, kind := range kinds {
			devices, err := c.GetDeviceList(ctx, model.ScanOptions{Driver: kind, UseWorker: flagWorker, NetworkAddress: flagRemote})
			errs = append(errs, printDevices(kind, devices, err))
		}
		return errors.Join(errs...)
	}
	for _, d := range c.Discover(ctx, kinds...) {
		errs = append(errs, printDevices(d.Driver, d.Devices, d.Err))
	}
	return errors.Join(errs...)
}

func printDevices(kind model.DriverKind, devices []model.ScanDevice, err error) error {
	if err != nil {
		return fmt.Errorf("listing %s devices: %w", kind, err)
	}
	for _, d := range devices {
		fmt.Printf("%s\t%s\t%s\n", kind, d.ID, d.Name)
	}
	return nil
}

func doScan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	format, err := imaging.ParseFormat(flagFormat)
	if err != nil {
		return err
	}

	c, closeFn := newController()
	defer closeFn()

	opts := model.ScanOptions{
		Driver:         model.DriverKind(flagDriver),
		DeviceID:       flagDevice,
		Resolution:     flagResolution,
		PaperSource:    model.PaperSource(flagSource),
		BitDepth:       model.BitDepth(flagBitDepth),
		UseWorker:      flagWorker,
		NetworkAddress: flagRemote,
	}
	s, err := c.Scan(ctx, opts,
		controller.WithRecorder(imaging.DirRecorder{Dir: flagOut, Format: format}),
		controller.WithEvents(func(ev controller.Event) {
			switch ev.Type {
			case controller.PageStarted:
				fmt.Fprintf(os.Stderr, "page %d: scanning\n", ev.Page)
			case controller.PageDone:
				fmt.Fprintf(os.Stderr, "page %d: done\n", ev.Page)
			}
		}),
	)
	if err != nil {
		return err
	}

	pages := 0
	for _, err := range s.Images() {
		if err != nil {
			return fmt.Errorf("scan %s after %d pages: %w", s.ID(), pages, err)
		}
		pages++
	}
	fmt.Printf("%d pages stored in %s\n", pages, imaging.DirRecorder{Dir: flagOut}.ScanDir(s.ID()))
	return nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if config.Network.Listen == "" {
		return errors.New("network.listen is not configured")
	}
	if config.Network.Token == "" {
		slog.WarnContext(ctx, "network.token is empty: serving without authentication")
	}

	c, closeFn := newController()
	defer closeFn()

	srv := network.NewServer(bridge.ServeHandler(c.Local(), nil), config.Network.Token)
	slog.InfoContext(ctx, "scan server listening", "addr", config.Network.Listen, "path", network.Path)
	return srv.ListenAndServe(ctx, config.Network.Listen)
}
