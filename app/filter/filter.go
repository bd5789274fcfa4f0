// Package filter holds the compiled rule engine and keeps it fresh,
// reloading rule files when they change on disk.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"

	"github.com/sa-scan/sa-scan/app/storage"
	"github.com/sa-scan/sa-scan/lib/mailmsg"
	"github.com/sa-scan/sa-scan/lib/regexcache"
	"github.com/sa-scan/sa-scan/lib/sarules"
	"github.com/sa-scan/sa-scan/lib/scorer"
)

// Recorder saves completed scans, see storage.ScanHistory
type Recorder interface {
	Write(rec storage.ScanRecord) error
}

// Config defines filter parameters
type Config struct {
	RulesDir       string    // directory with *.cf rule files
	AlphaThreshold float64   // sole-meta wrapping threshold, 0 for default
	MaxRegexSize   int       // rule pattern size limit in bytes, 0 for unlimited
	Recorder       Recorder  // optional scan history recorder
	ScanLog        io.Writer // optional json-lines scan log
}

// Filter scans messages with the current engine and rebuilds it on rule changes.
type Filter struct {
	Config

	lock   sync.RWMutex
	engine *sarules.Engine
}

// New creates a filter and compiles the initial engine from cfg.RulesDir.
func New(cfg Config) (*Filter, error) {
	f := &Filter{Config: cfg}
	if err := f.ReloadRules(); err != nil {
		return nil, fmt.Errorf("can't load rules from %s: %w", cfg.RulesDir, err)
	}
	return f, nil
}

// ReloadRules parses all rule files and swaps in a freshly compiled engine.
// On failure the previous engine stays active.
func (f *Filter) ReloadRules() error {
	files, err := filepath.Glob(filepath.Join(f.RulesDir, "*.cf"))
	if err != nil {
		return fmt.Errorf("can't list rules in %s: %w", f.RulesDir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no rule files in %s", f.RulesDir)
	}
	sort.Strings(files)

	cache := regexcache.New(f.MaxRegexSize)
	parser := sarules.NewParser(cache)
	var merr *multierror.Error
	loaded := 0
	for _, file := range files {
		fh, err := os.Open(file) //nolint gosec // path is controlled by the app
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("can't open %s: %w", file, err))
			continue
		}
		if err := parser.Parse(fh); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("can't parse %s: %w", file, err))
		} else {
			loaded++
		}
		_ = fh.Close()
	}
	if loaded == 0 {
		return fmt.Errorf("no rule files loaded: %w", merr.ErrorOrNil())
	}
	if merr.ErrorOrNil() != nil {
		log.Printf("[WARN] some rule files failed to load: %v", merr)
	}

	engine := sarules.Compile(parser.Result(), cache, sarules.Config{AlphaThreshold: f.AlphaThreshold})

	f.lock.Lock()
	f.engine = engine
	f.lock.Unlock()
	log.Printf("[INFO] rules loaded from %d file(s), %d symbols", loaded, len(engine.Symbols()))
	return nil
}

// Check parses a raw message and scans it with the current engine.
func (f *Filter) Check(raw []byte) (*scorer.Result, error) {
	msg, err := mailmsg.Parse(raw, time.Now())
	if err != nil {
		return nil, fmt.Errorf("can't parse message: %w", err)
	}

	f.lock.RLock()
	engine := f.engine
	f.lock.RUnlock()
	res := engine.Scan(msg)

	f.logScan(res)
	if f.Recorder != nil {
		rec := storage.ScanRecord{MessageID: res.MessageID, Score: res.Score,
			Timestamp: time.Now(), Symbols: res.Symbols}
		if err := f.Recorder.Write(rec); err != nil {
			log.Printf("[WARN] can't record scan: %v", err)
		}
	}
	return res, nil
}

// Symbols returns symbols registered with the current engine.
func (f *Filter) Symbols() []scorer.SymbolInfo {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.engine.Symbols()
}

// Watch blocks watching the rules directory and reloads on changes.
func (f *Filter) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	done := make(chan bool)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] stopping watcher for %s, %v", f.RulesDir, ctx.Err())
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if !strings.HasSuffix(event.Name, ".cf") {
					continue
				}
				log.Printf("[DEBUG] rules change detected: %s", event)
				if e := f.ReloadRules(); e != nil {
					log.Printf("[WARN] failed to reload rules: %v", e)
				}
			case e, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] watcher error: %v", e)
			}
		}
	}()

	if err := watcher.Add(f.RulesDir); err != nil {
		return fmt.Errorf("failed to add %s to watcher: %w", f.RulesDir, err)
	}
	<-done
	return nil
}

// logScan writes a json line with the scan outcome to the scan log, if enabled
func (f *Filter) logScan(res *scorer.Result) {
	if f.ScanLog == nil {
		return
	}
	names := make([]string, 0, len(res.Symbols))
	for name := range res.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	m := struct {
		TimeStamp string   `json:"ts"`
		MessageID string   `json:"message_id"`
		Score     float64  `json:"score"`
		Symbols   []string `json:"symbols"`
	}{
		TimeStamp: time.Now().In(time.Local).Format(time.RFC3339),
		MessageID: res.MessageID,
		Score:     res.Score,
		Symbols:   names,
	}
	line, err := json.Marshal(&m)
	if err != nil {
		log.Printf("[WARN] can't marshal json, %v", err)
		return
	}
	if _, err := f.ScanLog.Write(append(line, '\n')); err != nil {
		log.Printf("[WARN] can't write to scan log, %v", err)
	}
}
