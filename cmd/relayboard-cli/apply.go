package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relayboard/internal/boardsync"
	"github.com/agentworkforce/relayboard/internal/workitem"
)

const (
	appliedSuffix = ".applied"
	failedSuffix  = ".failed"
)

// changeFile is one queued edit. Without Item it creates a new work item
// from Set.
type changeFile struct {
	Item           string         `yaml:"item"`
	BaseVersion    int64          `yaml:"base_version"`
	IdempotencyKey string         `yaml:"idempotency_key"`
	Set            map[string]any `yaml:"set"`
}

func (a *app) newApplyCmd() *cobra.Command {
	var (
		watch    bool
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "apply DIR",
		Short: "Apply queued change files from a directory",
		Long: `Apply every *.yaml change file in DIR, oldest first.

A change file looks like:

  item: itm_3          # omit to create a new item
  base_version: 2      # optional; the current version is used otherwise
  set:
    status: in_review
    story_points: 5

Applied files are renamed with an .applied suffix, rejected ones with .failed.
With --watch the directory is watched and new files are applied as they land.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			dir := args[0]
			info, err := os.Stat(dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()

			applier := &changeApplier{app: a, team: team, client: a.mutationClient(a.httpClient(), printerSink{out: a.out}, nil)}
			failed := applier.applyDir(ctx, dir)
			if !watch {
				if failed > 0 {
					return reportedError{title: fmt.Sprintf("%d change file(s) failed", failed)}
				}
				return nil
			}
			return applier.watchDir(ctx, dir, debounce)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching DIR for new change files")
	cmd.Flags().DurationVar(&debounce, "debounce", 200*time.Millisecond, "wait this long after a file event before applying")
	return cmd
}

type changeApplier struct {
	app    *app
	team   string
	client *boardsync.MutationClient
}

// pendingChangeFiles lists unprocessed change files, oldest first.
func pendingChangeFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		path    string
		modTime time.Time
	}
	var files []candidate
	for _, entry := range entries {
		if entry.IsDir() || !isChangeFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.path)
	}
	return out, nil
}

func isChangeFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func (c *changeApplier) applyDir(ctx context.Context, dir string) int {
	files, err := pendingChangeFiles(dir)
	if err != nil {
		c.app.out.Warning("read %s: %v", dir, err)
		return 0
	}
	failed := 0
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		if err := c.applyFile(ctx, path); err != nil {
			failed++
		}
	}
	return failed
}

func (c *changeApplier) applyFile(ctx context.Context, path string) error {
	change, err := readChangeFile(path)
	if err == nil {
		err = c.apply(ctx, change)
	}
	if err != nil {
		var mutErr *boardsync.MutationError
		if !errors.As(err, &mutErr) {
			_ = c.app.out.Error(filepath.Base(path)+" rejected", err.Error())
		}
		if renameErr := os.Rename(path, path+failedSuffix); renameErr != nil {
			c.app.out.Warning("mark %s failed: %v", path, renameErr)
		}
		return err
	}
	if err := os.Rename(path, path+appliedSuffix); err != nil {
		c.app.out.Warning("mark %s applied: %v", path, err)
	}
	return nil
}

func readChangeFile(path string) (changeFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return changeFile{}, err
	}
	var change changeFile
	if err := yaml.Unmarshal(raw, &change); err != nil {
		return changeFile{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if len(change.Set) == 0 {
		return changeFile{}, fmt.Errorf("%s: set must name at least one field", filepath.Base(path))
	}
	change.Item = strings.TrimSpace(change.Item)
	return change, nil
}

func (c *changeApplier) apply(ctx context.Context, change changeFile) error {
	opts := []boardsync.CallOption{}
	if change.IdempotencyKey != "" {
		opts = append(opts, boardsync.WithIdempotencyKey(change.IdempotencyKey))
	}
	delta := workitem.Delta(change.Set)
	if change.Item == "" {
		_, err := c.client.Create(ctx, c.team, delta, opts...)
		return err
	}
	if change.BaseVersion > 0 {
		opts = append(opts, boardsync.WithBaseVersion(change.BaseVersion))
	}
	_, err := c.client.Update(ctx, c.team, change.Item, delta, opts...)
	return err
}

// watchDir applies change files as they are written. Events are debounced
// so a file is read once its writer is done with it.
func (c *changeApplier) watchDir(ctx context.Context, dir string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.app.out.Info("watching %s for change files", dir)

	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isChangeFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.app.out.Warning("watch error: %v", err)
		case <-timer.C:
			c.applyDir(ctx, dir)
		}
	}
}
