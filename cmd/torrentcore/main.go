// Command torrentcore downloads a single torrent to disk and exits
// once every piece has been verified complete.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	alog "github.com/anacrolix/log"
	"github.com/jpillora/opts"
	"github.com/spf13/afero"

	"github.com/tanmoymaji275/bittorrent-client/internal/metainfo"
	"github.com/tanmoymaji275/bittorrent-client/internal/session"
	"github.com/tanmoymaji275/bittorrent-client/internal/storage"
)

var version = "0.0.0-src"

type config struct {
	TorrentPath     string  `type:"arg" help:"Path to a .torrent file"`
	OutputDir       string  `help:"Directory to download into"`
	Port            int     `help:"Local TCP port to listen for incoming peer connections on"`
	MaxPeers        int     `help:"Maximum number of simultaneous peer connections"`
	UploadRateLimit float64 `help:"Upload rate limit in bytes/sec (0 = unlimited)"`
	Debug           bool    `help:"Enable debug logging"`
}

func main() {
	cfg := config{
		OutputDir: ".",
		Port:      6881,
		MaxPeers:  50,
	}
	o := opts.New(&cfg)
	o.Version(version)
	o.PkgRepo()
	o.Parse()

	logger := alog.Default
	if cfg.Debug {
		alog.Fmsg("debug logging enabled").Log(logger)
	}

	if err := run(cfg, logger); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config, logger alog.Logger) error {
	f, err := os.Open(cfg.TorrentPath)
	if err != nil {
		return err
	}
	defer f.Close()

	mi, err := metainfo.Load(f)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	layout, err := storage.NewLayout(fs, cfg.OutputDir, mi)
	if err != nil {
		return err
	}

	sess := session.New(session.Config{
		MetaInfo:        mi,
		Layout:          layout,
		Trackers:        mi.Trackers(),
		ListenPort:      uint16(cfg.Port),
		MaxPeers:        int64(cfg.MaxPeers),
		UploadRateLimit: cfg.UploadRateLimit,
		Logger:          logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return sess.Run(ctx)
}
