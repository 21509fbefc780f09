package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/throw-if-null/reconciler/internal/api"
	"github.com/throw-if-null/reconciler/internal/dispatch"
	"github.com/throw-if-null/reconciler/internal/engine"
	"github.com/throw-if-null/reconciler/internal/task"
	"github.com/throw-if-null/reconciler/internal/transport"
)

var ErrNotSucceeded = errors.New("task did not succeed")

func CaptchaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "captcha",
		Short: "Submit a captcha job and wait for its token",
		RunE: func(cmd *cobra.Command, args []string) error {
			action, _ := cmd.Flags().GetString("action")
			return a.runTask(cmd.Context(), api.KindCaptchaJob, api.Payload{"action": strings.ToUpper(action)})
		},
	}
	cmd.Flags().String("action", "IMAGE", "captcha action (IMAGE, AUDIO, FAIL)")
	return cmd
}

func PayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Start a payment and wait until it is confirmed or expires",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, _ := cmd.Flags().GetString("plan")
			if plan == "" {
				return fmt.Errorf("the --plan flag is required")
			}
			return a.runTask(cmd.Context(), api.KindPayment, api.Payload{"planCode": plan})
		},
	}
	cmd.Flags().String("plan", "", "plan code, e.g. PRO_MONTHLY")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func VideoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "video",
		Short: "Generate a video and wait for its URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, _ := cmd.Flags().GetString("prompt")
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("the --prompt flag is required")
			}
			return a.runTask(cmd.Context(), api.KindVideoGeneration, api.Payload{"prompt": prompt})
		},
	}
	cmd.Flags().String("prompt", "", "text prompt for the video")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

// runTask submits one task, follows it to a terminal state and reports the
// outcome. Ctrl+C cancels the task.
func (a *app) runTask(ctx context.Context, kind api.Kind, payload api.Payload) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := transport.New(a.cfg.Remote.BaseURL, a.cfg.Remote.Token,
		transport.WithTimeout(time.Duration(a.cfg.Remote.TimeoutMS)*time.Millisecond))
	if err != nil {
		return err
	}

	dopts := []dispatch.Option{
		dispatch.WithLogger(a.logger),
		dispatch.WithDismiss(func(t api.Task) {
			fmt.Fprintf(a.out, "%s %s dismissed\n", t.Kind, t.ID)
		}),
	}
	j, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
		dopts = append(dopts, dispatch.WithRecorder(j))
	}
	d := dispatch.New(&consoleNotifier{w: a.out}, client, dopts...)

	store := task.New(task.WithOnChange(func(t api.Task) {
		a.logger.Printf("task kind=%s ref=%s id=%s state=%s attempt=%d", t.Kind, t.Ref, t.ID, t.State, t.Attempt)
	}))
	opts := append(a.policyOptions(),
		engine.WithLogger(a.logger),
		engine.WithTickObserver(a.printCountdown),
	)
	eng := engine.New(store, client, d, opts...)

	t, err := eng.Start(ctx, kind, payload)
	if err != nil {
		return err
	}
	if t.State == api.StatePolling {
		fmt.Fprintf(a.out, "submitted %s id=%s\n", kind, t.ID)
	}
	eng.Wait()
	d.Wait()

	final, _ := eng.Get(kind)
	return report(a.out, final)
}

func (a *app) printCountdown(kind api.Kind, remaining time.Duration) {
	r := remaining.Round(time.Second)
	if r%time.Minute == 0 || r <= 10*time.Second {
		fmt.Fprintf(a.out, "%s expires in %s\n", kind, r)
	}
}

func report(w io.Writer, t api.Task) error {
	if t.State == api.StateSucceeded {
		if len(t.Result) > 0 {
			fmt.Fprintf(w, "result: %s\n", t.ResultString())
		}
		return nil
	}
	if t.LastError != "" {
		return fmt.Errorf("%w: %s %s: %s", ErrNotSucceeded, t.Kind, t.State, t.LastError)
	}
	return fmt.Errorf("%w: %s %s", ErrNotSucceeded, t.Kind, t.State)
}

// consoleNotifier prints notifications as they are dispatched.
type consoleNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func (n *consoleNotifier) Notify(_ context.Context, msg string, sev api.Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "[%s] %s\n", sev, msg)
}
