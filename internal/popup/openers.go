package popup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/cli/browser"

	"popupauth/pkg/logging"
)

// ProcessOpener runs a command per popup, for example a browser in app mode:
//
//	chromium --app={url} --window-size={width},{height}
//
// The placeholders {url}, {width}, {height} and {name} are substituted in
// every argument. The window counts as closed once the process exits.
// Browsers that hand the URL to an already running instance exit at once, so
// the command should use a dedicated profile.
type ProcessOpener struct {
	Command []string
}

// NewProcessOpener creates an opener for the given command template.
func NewProcessOpener(command []string) *ProcessOpener {
	return &ProcessOpener{Command: command}
}

func (o *ProcessOpener) Open(_ context.Context, url string, opts WindowOptions) (Window, error) {
	if len(o.Command) == 0 {
		return nil, errors.New("no popup command configured")
	}

	replacer := strings.NewReplacer(
		"{url}", url,
		"{width}", strconv.Itoa(opts.Width),
		"{height}", strconv.Itoa(opts.Height),
		"{name}", opts.Name,
	)
	args := make([]string, len(o.Command))
	for i, arg := range o.Command {
		args[i] = replacer.Replace(arg)
	}

	// The process outlives the Open call, so it is not bound to ctx.
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", args[0], err)
	}

	w := &processWindow{cmd: cmd, exited: make(chan struct{})}
	go w.wait()

	logging.Debug("Popup", "Started popup process %s (pid %d)", args[0], cmd.Process.Pid)
	return w, nil
}

type processWindow struct {
	cmd    *exec.Cmd
	exited chan struct{}

	mu     sync.Mutex
	closed bool
}

func (w *processWindow) wait() {
	err := w.cmd.Wait()
	if err != nil {
		logging.Debug("Popup", "Popup process exited: %v", err)
	}
	close(w.exited)
}

func (w *processWindow) Closed() bool {
	select {
	case <-w.exited:
		return true
	default:
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *processWindow) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case <-w.exited:
		return nil
	default:
	}

	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop popup process: %w", err)
	}
	return nil
}

// Focus is not supported for external processes.
func (w *processWindow) Focus() error {
	return nil
}

// SystemOpener hands the URL to the desktop's default browser. The resulting
// tab cannot be observed, so its window only reports closed after Close.
type SystemOpener struct{}

func (SystemOpener) Open(_ context.Context, url string, _ WindowOptions) (Window, error) {
	if err := browser.OpenURL(url); err != nil {
		return nil, err
	}
	return &detachedWindow{}, nil
}

type detachedWindow struct {
	mu     sync.Mutex
	closed bool
}

func (w *detachedWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *detachedWindow) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *detachedWindow) Focus() error {
	return nil
}
