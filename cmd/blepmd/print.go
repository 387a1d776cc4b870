package main

import (
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/rigado/blepm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type eventRecord struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Conn      string    `json:"conn"`
	Data      string    `json:"data,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	HCIReason uint8     `json:"hci_reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func newRecord(ev blepm.Event, now time.Time) eventRecord {
	r := eventRecord{
		Time: now.UTC(),
		Kind: ev.Kind(),
		Conn: ev.Conn().String(),
	}
	switch e := ev.(type) {
	case blepm.DataReceived:
		r.Data = hex.EncodeToString(e.Data)
	case blepm.ConnectionError:
		r.Reason = e.Reason.String()
		r.HCIReason = e.HCIReason
		if e.Err != nil {
			r.Error = e.Err.Error()
		}
	}
	return r
}

// printer writes one JSON line per event.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	now   func() time.Time
	color map[string]*color.Color
}

func newPrinter(w io.Writer, plain bool) *printer {
	p := &printer{w: w, now: time.Now}
	if !plain {
		p.color = map[string]*color.Color{
			"subscribed":           color.New(color.FgGreen),
			"unsubscribed":         color.New(color.FgYellow),
			"data":                 color.New(color.FgCyan),
			"indication-confirmed": color.New(color.FgBlue),
			"connection-error":     color.New(color.FgRed),
		}
	}
	return p
}

func (p *printer) print(ev blepm.Event) error {
	b, err := json.Marshal(newRecord(ev, p.now()))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.color[ev.Kind()]; ok {
		_, err = c.Fprintln(p.w, string(b))
		return err
	}
	_, err = p.w.Write(append(b, '\n'))
	return err
}
