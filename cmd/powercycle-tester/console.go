package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/powercycled/powercycled/pkg/controller"
)

// consoleObserver prints run events as operator-facing lines.
type consoleObserver struct {
	mu    sync.Mutex
	w     io.Writer
	loops int
}

func newConsoleObserver(w io.Writer, loops int) *consoleObserver {
	return &consoleObserver{w: w, loops: loops}
}

func (c *consoleObserver) OnLog(ev controller.LogEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s [%s] %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Level, ev.Message)
}

func (c *consoleObserver) OnProgress(ev controller.ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "progress: loop %d/%d, %d successful\n", ev.LoopIndex, c.loops, ev.SuccessCount)
}

func (c *consoleObserver) OnFinished(controller.Summary) {}
