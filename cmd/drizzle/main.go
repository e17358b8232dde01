// Command drizzle is the CLI entrypoint: a small urfave/cli app mirroring
// the teacher's own app.Commands/Subcommands layout (main.go), scaled to
// the two commands this implementation's scope supports.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/hokaccha/go-prettyjson"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli"

	"github.com/drizzle-p2p/drizzle/internal/config"
	"github.com/drizzle-p2p/drizzle/internal/logger"
	"github.com/drizzle-p2p/drizzle/internal/metainfo"
	"github.com/drizzle-p2p/drizzle/internal/orchestrator"
	"github.com/drizzle-p2p/drizzle/internal/peerid"
	"github.com/drizzle-p2p/drizzle/internal/storage"
	"github.com/drizzle-p2p/drizzle/internal/torrentio"
	"github.com/drizzle-p2p/drizzle/internal/tracker"
)

var log = logger.New("drizzle")

func main() {
	app := cli.NewApp()
	app.Name = "drizzle"
	app.Usage = "peer-to-peer file downloader"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Before = func(c *cli.Context) error {
		logger.SetDebug(c.GlobalBool("debug"))
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "get",
			Usage:     "download a torrent to completion",
			ArgsUsage: "<torrent-file>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "dir", Usage: "output `DIR`", Value: "."},
				cli.StringFlag{Name: "config, c", Usage: "read config from `FILE`"},
			},
			Action: handleGet,
		},
		{
			Name:  "torrent",
			Usage: "inspect torrent files",
			Subcommands: []cli.Command{
				{
					Name:      "show",
					Usage:     "print the parsed contents of a torrent file",
					ArgsUsage: "<torrent-file>",
					Action:    handleTorrentShow,
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func handleTorrentShow(c *cli.Context) error {
	path := c.Args().Get(0)
	if path == "" {
		return fmt.Errorf("usage: drizzle torrent show <torrent-file>")
	}
	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := metainfo.Parse(f)
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"announce":  m.Announce,
		"info_hash": fmt.Sprintf("%x", m.InfoHash),
		"name":      m.Info.Name,
		"length":    m.Info.TotalLength(),
		"pieces":    fmt.Sprintf("<<< %d pieces >>>", len(m.Info.Pieces)),
	}
	b, err := prettyjson.Marshal(out)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}

func handleGet(c *cli.Context) error {
	path := c.Args().Get(0)
	if path == "" {
		return fmt.Errorf("usage: drizzle get <torrent-file>")
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return err
	}
	m, err := metainfo.Parse(f)
	f.Close()
	if err != nil {
		return err
	}

	localID := peerid.Generate()
	layout := m.Info.Layout()

	backing := storage.NewMemory(layout)
	store := storage.NewPartial(layout, backing)

	trk := tracker.New(m.Announce, m.InfoHash, localID, 6881, cfg.TrackerNumWant, cfg.RequestTimeout, logger.New("tracker"))

	opts := orchestrator.Options{MaxLivePeers: cfg.MaxPeers, MaxRequestsPerIssue: cfg.RequestsPerRound}
	orch := orchestrator.New(trk, store, layout, m.InfoHash, localID, opts, logger.New("download "+m.Info.Name))

	bar := progressbar.DefaultBytes(layout.TotalLength, "downloading "+m.Info.Name)
	done := make(chan struct{})
	go func() {
		orch.Run()
		close(done)
	}()
	reportProgress(bar, orch, done)

	dir := cfg.DownloadDir
	if c.IsSet("dir") {
		dir = c.String("dir")
	}
	payload := backing.Concat()
	if err := torrentio.WriteComplete(dir, m.Info, payload); err != nil {
		return err
	}
	log.Infof("saved %s to %s", m.Info.Name, dir)
	return nil
}

func reportProgress(bar *progressbar.ProgressBar, orch *orchestrator.Orchestrator, done <-chan struct{}) {
	last := int64(0)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			bar.Finish()
			return
		case <-ticker.C:
			cur := orch.Downloaded()
			if cur > last {
				bar.Add64(cur - last)
				last = cur
			}
		}
	}
}
