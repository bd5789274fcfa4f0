package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/jmoiron/sqlx"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sa-scan/sa-scan/app/filter"
	"github.com/sa-scan/sa-scan/app/storage"
	"github.com/sa-scan/sa-scan/app/webapi"
)

type options struct {
	RulesDir string `long:"rules" env:"RULES" default:"rules" description:"directory with rule files"`
	Listen   string `long:"listen" env:"LISTEN" default:":8080" description:"listen address"`

	Engine struct {
		AlphaThreshold float64 `long:"alpha" env:"ALPHA" default:"0.5" description:"sole-meta wrapping threshold"`
		MaxRegexSize   int     `long:"max-regex-size" env:"MAX_REGEX_SIZE" default:"16384" description:"max size of a rule regex, 0 to disable"`
	} `group:"engine" namespace:"engine" env-namespace:"ENGINE"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated scan logs"`
		FileName   string `long:"file" env:"FILE"  default:"sa-scan.log" description:"location of scan log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	HistoryDB  string `long:"history-db" env:"HISTORY_DB" description:"sqlite file to keep scan history, disabled if not set"`
	AuthPasswd string `long:"auth-passwd" env:"AUTH_PASSWD" description:"basic auth password for user sa-scan"`
	NoWatch    bool   `long:"no-watch" env:"NO_WATCH" description:"disable rules dir watching"`
	Dbg        bool   `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("sa-scan %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	p.SubcommandsOptional = true
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.AuthPasswd)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	scanLogWr, err := makeScanLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make scan log writer, %w", err)
	}
	defer scanLogWr.Close()

	var history *storage.ScanHistory
	if opts.HistoryDB != "" {
		db, err := sqlx.Connect("sqlite", opts.HistoryDB)
		if err != nil {
			return fmt.Errorf("can't open history db %s, %w", opts.HistoryDB, err)
		}
		defer db.Close()
		if history, err = storage.NewScanHistory(db); err != nil {
			return fmt.Errorf("can't make scan history, %w", err)
		}
		log.Printf("[INFO] scan history enabled, db: %s", opts.HistoryDB)
	}

	filterCfg := filter.Config{
		RulesDir:       opts.RulesDir,
		AlphaThreshold: opts.Engine.AlphaThreshold,
		MaxRegexSize:   opts.Engine.MaxRegexSize,
		ScanLog:        scanLogWr,
	}
	if history != nil {
		filterCfg.Recorder = history
	}
	scanFilter, err := filter.New(filterCfg)
	if err != nil {
		return fmt.Errorf("can't make filter, %w", err)
	}
	log.Printf("[DEBUG] filter config: {rules: %s, alpha: %v, max-regex: %d}",
		filterCfg.RulesDir, filterCfg.AlphaThreshold, filterCfg.MaxRegexSize)

	if !opts.NoWatch {
		go func() {
			if err := scanFilter.Watch(ctx); err != nil {
				log.Printf("[WARN] rules watcher terminated, %v", err)
			}
		}()
	}

	srv := webapi.NewServer(webapi.Config{
		Version:    revision,
		ListenAddr: opts.Listen,
		Scanner:    scanFilter,
		AuthPasswd: opts.AuthPasswd,
		Dbg:        opts.Dbg,
	})
	if history != nil {
		srv.History = history
	}
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("webapi server failed, %w", err)
	}
	return nil
}

// makeScanLogWriter creates a writer for the json-lines scan log,
// it parses options and makes lumberjack logger with rotation
func makeScanLogWriter(opts options) (scanLog io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	sizeParse := func(inp string) (uint64, error) {
		if inp == "" {
			return 0, errors.New("empty value")
		}
		for i, sfx := range []string{"k", "m", "g", "t"} {
			if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
				val, err := strconv.Atoi(inp[:len(inp)-1])
				if err != nil {
					return 0, fmt.Errorf("can't parse %s: %w", inp, err)
				}
				return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
			}
		}
		return strconv.ParseUint(inp, 10, 64)
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}

	maxSize /= 1048576

	log.Printf("[INFO] scan logger enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	for _, s := range secrets {
		if s != "" {
			logOpts = append(logOpts, lgr.Secret(s))
		}
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
