package slog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

type writerOutput struct {
	timestamps bool
	w          io.Writer
}

func (o writerOutput) Write(stamp time.Time, debug bool, msg string) {
	b := strings.Builder{}
	if o.timestamps {
		b.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		b.WriteString("[debug] ")
	}
	b.WriteString(msg)
	b.WriteRune('\n')
	if _, err := io.WriteString(o.w, b.String()); err != nil {
		fmt.Fprintf(os.Stderr, "slog: write failed: %v\n", err)
	}
}

// WriterOutput writes formatted lines to w, optionally timestamped.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return writerOutput{timestamps: timestamps, w: w}
}

type multiOutput []Output

func (m multiOutput) Write(stamp time.Time, debug bool, msg string) {
	for _, o := range m {
		o.Write(stamp, debug, msg)
	}
}

// MultiOutput fans a log line out to every given Output.
func MultiOutput(outs ...Output) Output { return multiOutput(outs) }
