package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/kstaniek/go-lpccan/internal/lpccan"
)

// dumper prints received messages, one line each, coloured by controller.
type dumper struct {
	mu    sync.Mutex
	w     io.Writer
	chans [2]*color.Color
	idx   *color.Color
	rtr   *color.Color
}

func newDumper(w io.Writer, colour bool) *dumper {
	d := &dumper{
		w:     w,
		chans: [2]*color.Color{color.New(color.FgCyan, color.Bold), color.New(color.FgMagenta, color.Bold)},
		idx:   color.New(color.FgYellow),
		rtr:   color.New(color.FgRed),
	}
	for _, c := range append(d.chans[:], d.idx, d.rtr) {
		if colour {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return d
}

func (d *dumper) print(m lpccan.Message, ch int) {
	filter := d.idx.Sprint("bypass")
	if !m.Bypass {
		filter = d.idx.Sprintf("af#%d", m.Index)
	}
	line := fmt.Sprintf("%s %s %s", d.chans[ch].Sprintf("can%d", ch+1), filter, m.Frame.String())
	if m.RTR {
		line += " " + d.rtr.Sprint("RTR")
	}
	d.mu.Lock()
	fmt.Fprintln(d.w, line)
	d.mu.Unlock()
}
