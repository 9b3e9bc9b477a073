// Package ui defines where a room watcher reports what it sees.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// UI receives the raw frames of a watched room and the watcher's own
// connection status.
type UI interface {
	UpdateStatus(status string)
	Apply(frame []byte)
	Log(msg string)
}

type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string) {}
func (s SilentUI) Apply(frame []byte)         {}
func (s SilentUI) Log(msg string)             {}

// Printer writes one line per frame. Updates to an event are printed again
// rather than redrawn.
type Printer struct {
	W io.Writer

	mu sync.Mutex
}

func (p *Printer) UpdateStatus(status string) {
	p.println("-- " + status)
}

func (p *Printer) Log(msg string) {
	p.println(msg)
}

func (p *Printer) Apply(frame []byte) {
	var f struct {
		Type    string         `json:"type"`
		ID      string         `json:"id"`
		Author  string         `json:"author"`
		Content string         `json:"content"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		p.println("?? " + string(frame))
		return
	}
	if f.Type == "chat_title_updated" {
		p.println(fmt.Sprintf("-- title: %v", f.Data["title"]))
		return
	}
	p.println(fmt.Sprintf("[%s] %s: %s", f.Type, f.Author, f.Content))
}

func (p *Printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.W, line)
}
