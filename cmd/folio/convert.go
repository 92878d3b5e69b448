package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/events"
	"github.com/jackzampolin/folio/internal/server"
	"github.com/jackzampolin/folio/internal/store"
	"github.com/jackzampolin/folio/internal/tasks"
)

var convertReq tasks.SubmitRequest

var convertCmd = &cobra.Command{
	Use:   "convert <file>",
	Short: "Convert a document without a running server",
	Long: `Convert a PDF or image to Markdown in this process.

Starts a private worker pool against the configured database, submits the
file and waits for the task to finish, showing progress on stderr. The task
stays in the database, so failed pages can be retried later with
"folio api retry-failed" once a server is running.

Examples:
  folio convert ./paper.pdf
  folio convert ./scan.png --provider openrouter
  folio convert ./book.pdf --pages 1-10 --out ./markdown`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := loadEnvironment(os.Stderr, true)
		if err != nil {
			return err
		}

		rt, err := server.NewRuntime(ctx, server.RuntimeConfig{
			Home:          env.home,
			ConfigManager: env.config,
			Logger:        env.logger,
			// A server may be sharing the database.
			SkipRecovery: true,
		})
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := rt.Close(closeCtx); err != nil {
				env.logger.Error("shutdown error", "error", err)
			}
		}()

		svcs := rt.Services()
		updates, unsubscribe := svcs.Events.Subscribe(256)
		defer unsubscribe()

		if err := rt.Start(ctx); err != nil {
			return err
		}

		req := convertReq
		if req.Path, err = filepath.Abs(args[0]); err != nil {
			return err
		}
		task, err := svcs.Tasks.Submit(ctx, req)
		if err != nil {
			return err
		}

		task, err = waitForTask(ctx, task, updates)
		if err != nil {
			return err
		}
		if err := api.Output(cmd.OutOrStdout(), task); err != nil {
			return err
		}
		if task.Status != store.TaskCompleted {
			return fmt.Errorf("task %s ended %s", task.ID, task.Status)
		}
		return nil
	},
}

// waitForTask follows bus events for task until it is terminal or needs a
// merge decision, rendering progress meanwhile.
func waitForTask(ctx context.Context, task *store.Task, updates <-chan events.Event) (*store.Task, error) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(describe(task)),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)

	for !done(task.Status) {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return nil, ctx.Err()
		case ev, ok := <-updates:
			if !ok {
				return nil, fmt.Errorf("event stream closed while waiting for task %s", task.ID)
			}
			if ev.TaskID != task.ID || ev.Task == nil {
				continue
			}
			task = ev.Task
			bar.Describe(describe(task))
			_ = bar.Set(task.Progress)
		}
	}
	_ = bar.Finish()
	return task, nil
}

func done(s store.TaskStatus) bool {
	return s.IsTerminal() || s == store.TaskPartialFailed
}

func describe(t *store.Task) string {
	if t.Pages == 0 {
		return fmt.Sprintf("%-14s", t.Status)
	}
	return fmt.Sprintf("%-14s %d/%d pages", t.Status, t.Finished(), t.Pages)
}

func init() {
	convertCmd.Flags().StringVar(&convertReq.Provider, "provider", "", "Provider id (default from config)")
	convertCmd.Flags().StringVar(&convertReq.Model, "model", "", "Model name (default from config)")
	convertCmd.Flags().StringVar(&convertReq.PageRange, "pages", "", "Page range, e.g. 1-3,7")
	convertCmd.Flags().StringVar(&convertReq.OutputDir, "out", "", "Directory for the merged Markdown")

	rootCmd.AddCommand(convertCmd)
}
