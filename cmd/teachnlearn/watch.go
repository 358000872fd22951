package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	teachnlearn "github.com/anandamarsh/teachnlearn-sub001"
	"github.com/spf13/cobra"
)

func init() {
	watchCmd.AddCommand(watchLessonsCmd)
	watchCmd.AddCommand(watchSectionsCmd)
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live changes over the push channel",
	Long:  "Keep a push channel open and re-fetch lessons or sections whenever the server reports a change. Stops on Ctrl-C.",
}

var watchLessonsCmd = &cobra.Command{
	Use:   "lessons",
	Short: "Watch the lesson list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch("")
	},
}

var watchSectionsCmd = &cobra.Command{
	Use:   "sections <lesson-id>",
	Short: "Watch the sections of one lesson",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(args[0])
	},
}

type noteKind int

const (
	noteIndex noteKind = iota
	noteItem
	noteRemoved
)

type note struct {
	kind noteKind
	key  string
}

func runWatch(lessonID string) error {
	cfg, err := effectiveConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return watch(ctx, cfg, lessonID, os.Stdout)
}

// watch follows one stream until ctx is done, printing refreshed state to out.
func watch(ctx context.Context, cfg *Config, lessonID string, out io.Writer) error {
	opts, err := channelOptions(cfg.Channel)
	if err != nil {
		return err
	}

	// Callbacks run on the channel's goroutine; REST fetches happen here.
	notes := make(chan note, 64)
	push := func(n note) {
		select {
		case notes <- n:
		case <-ctx.Done():
		}
	}
	handlers := teachnlearn.Handlers{
		OnIndexChanged: func() { push(note{kind: noteIndex}) },
		OnItemChanged:  func(key string) { push(note{kind: noteItem, key: key}) },
		OnItemRemoved:  func(key string) { push(note{kind: noteRemoved, key: key}) },
		OnPulse: func(p teachnlearn.Pulse) {
			logger.Debug().Str("pulse", string(p)).Msg("pulse")
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("channel down, retrying")
		},
	}

	client := newClient(cfg)
	var mgr *teachnlearn.Manager
	if lessonID == "" {
		mgr, err = client.LessonsChannel(handlers, opts...)
	} else {
		mgr, err = client.SectionsChannel(lessonID, handlers, opts...)
	}
	if err != nil {
		return err
	}

	mgr.Activate()
	defer mgr.Deactivate()

	w := &watcher{client: client, lessonID: lessonID, out: out}
	w.refreshIndex(ctx)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "stopping")
			return nil
		case n := <-notes:
			w.handle(ctx, n)
		}
	}
}

type watcher struct {
	client   *teachnlearn.Client
	lessonID string
	out      io.Writer
}

func (w *watcher) handle(ctx context.Context, n note) {
	switch n.kind {
	case noteIndex:
		w.refreshIndex(ctx)
	case noteItem:
		w.refreshItem(ctx, n.key)
	case noteRemoved:
		fmt.Fprintf(w.out, "removed: %s\n", n.key)
	}
}

func (w *watcher) refreshIndex(ctx context.Context) {
	if w.lessonID == "" {
		lessons, err := w.client.ListLessons(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list lessons: %v\n", err)
			return
		}
		fmt.Fprintf(w.out, "lessons (%d):\n", len(lessons))
		for _, l := range lessons {
			fmt.Fprintf(w.out, "  %s  %-10s %s\n", l.ID, l.Status, l.Title)
		}
		return
	}

	index, err := w.client.GetSectionsIndex(ctx, w.lessonID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sections index: %v\n", err)
		return
	}
	keys := make([]string, 0, len(index.Sections))
	for k := range index.Sections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w.out, "sections of %s (%d):\n", w.lessonID, len(keys))
	for _, k := range keys {
		fmt.Fprintf(w.out, "  %s\n", k)
	}
}

func (w *watcher) refreshItem(ctx context.Context, key string) {
	if w.lessonID == "" {
		lesson, err := w.client.GetLesson(ctx, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get lesson %s: %v\n", key, err)
			return
		}
		fmt.Fprintf(w.out, "updated: %s  %-10s %s\n", lesson.ID, lesson.Status, lesson.Title)
		return
	}

	section, err := w.client.GetSection(ctx, w.lessonID, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get section %s: %v\n", key, err)
		return
	}
	size := len(section.ContentHTML)
	if size == 0 {
		size = len(section.Content)
	}
	fmt.Fprintf(w.out, "updated: %s (%d bytes)\n", section.Key, size)
}
