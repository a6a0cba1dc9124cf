package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/jessevdk/go-flags"

	"podfetch/internal/app/podfetch"
	"podfetch/internal/app/podfetch/proc"
	"podfetch/internal/configs"
)

var opts struct {
	Conf string `short:"c" long:"conf" env:"PODFETCH_CONF" default:"podfetch.yml" description:"config file (yml)"`
	DB   string `short:"d" long:"db" env:"PODFETCH_DB" default:"var/podfetch.bdb" description:"bolt db file"`

	Download  bool  `long:"download" description:"Download pending episodes"`
	Retry     int64 `long:"retry" description:"Retry a failed episode now (by episode id)"`
	Cancel    int64 `long:"cancel" description:"Cancel an in-flight download (by episode id)"`
	Reconcile bool  `long:"reconcile" description:"Repair store/disk drift and sweep stale temp files"`
	Archive   bool  `long:"archive" description:"Move transcribed episodes to done and upload them"`
	Status    bool  `long:"status" description:"Show episode counts per status"`
}

func checkFileExists(filepath string) bool {
	if _, err := os.Stat(filepath); errors.Is(err, os.ErrNotExist) {
		return false
	}

	return true
}

func main() {
	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		p.WriteHelp(os.Stderr)
		os.Exit(2)
	}

	configFile := opts.Conf

	if !checkFileExists(configFile) {
		configFile = "configs/podfetch.yaml"

		if !checkFileExists(configFile) {
			log.Fatal("[ERROR] config file not found")
		}
	}

	conf, err := configs.Load(configFile)
	if err != nil {
		log.Fatalf("[ERROR] can't load config %s, %v", opts.Conf, err)
	}

	dbFile := opts.DB
	if conf.DB != "" {
		dbFile = conf.DB
	}
	db, err := podfetch.NewBoltDB(dbFile)
	if err != nil {
		log.Fatalf("[ERROR] can't create boltdb instance, %v", err)
	}
	defer func() { _ = db.Close() }()

	var s3store *proc.S3Store
	if conf.CloudStorage.EndPointURL != "" {
		s3client, err := podfetch.NewS3Client(
			conf.CloudStorage.EndPointURL,
			conf.CloudStorage.Secrets.Key,
			conf.CloudStorage.Secrets.Secret,
			true)
		if err != nil {
			log.Fatalf("[ERROR] can't create s3client instance, %v", err)
		}
		s3store = &proc.S3Store{Client: s3client, Location: conf.CloudStorage.Region, Bucket: conf.CloudStorage.Bucket}
	}

	procEntity, err := podfetch.NewProcessor(conf, db, s3store)
	if err != nil {
		log.Fatalf("[ERROR] can't create processor, %v", err)
	}

	app, err := podfetch.NewApplication(conf, procEntity)
	if err != nil {
		log.Fatalf("[ERROR] can't create app, %v", err)
	}

	ctx := context.Background()

	if opts.Reconcile {
		app.Reconcile(ctx)
	}

	if opts.Download {
		app.DownloadEpisodes(ctx)
	}

	if opts.Retry > 0 {
		app.RetryNow(ctx, opts.Retry)
	}

	if opts.Cancel > 0 {
		app.CancelDownload(opts.Cancel)
	}

	if opts.Archive {
		app.Archive(ctx)
	}

	if opts.Status {
		app.Status()
	}
}
