// Package slog implements the structured, short-code logger used across
// the core (spec.md §6): one line per event, `name: msg\tkey=value fields`,
// with the fields written in sorted key order (see writeOrderedFields).
//
// It is independent from (and older than) the standard library's log/slog;
// the name is kept short to match the teacher's framework/log package,
// which this is ported from.
package slog

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sendzone/sendzoned/internal/xerrors"
	"go.uber.org/zap"
)

// Output is the sink a Logger writes formatted lines to.
type Output interface {
	Write(stamp time.Time, debug bool, msg string)
}

// Logger writes short-code, field-carrying log lines. It is stateless and
// safe to copy; only Out needs to be goroutine-safe.
type Logger struct {
	Out    Output
	Name   string
	Debug  bool
	Fields map[string]interface{}
}

// Zap adapts this Logger so code that expects a *zap.Logger (certmagic,
// DNS resolvers) can log through the same sink.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{l: l})
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

// Msg writes a short-code event with key/value fields, e.g.
//
//	l.Msg("QUEUED", "id", env.ID, "from", env.From)
func (l Logger) Msg(code string, kv ...interface{}) {
	m := make(map[string]interface{}, len(kv)/2)
	fieldsToMap(kv, m)
	l.log(false, l.formatMsg(code, m))
}

// Error logs err under msg, pulling any structured fields (category,
// address, smtp_code, ...) attached via xerrors.WithFields along for the
// ride.
func (l Logger) Error(msg string, err error, kv ...interface{}) {
	if err == nil {
		return
	}
	errFields := xerrors.Fields(err)
	all := make(map[string]interface{}, len(errFields)+len(kv)/2+1)
	for k, v := range errFields {
		all[k] = v
	}
	if _, ok := all["reason"]; !ok {
		all["reason"] = err.Error()
	}
	fieldsToMap(kv, all)
	l.log(false, l.formatMsg(msg, all))
}

func fieldsToMap(kv []interface{}, out map[string]interface{}) {
	var key string
	for i, v := range kv {
		if i%2 == 0 {
			k, ok := v.(string)
			if !ok {
				out[fmt.Sprintf("field%d", i)] = v
				continue
			}
			key = k
		} else {
			out[key] = v
		}
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	b := strings.Builder{}
	b.WriteString(msg)
	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		for k, v := range l.Fields {
			if _, taken := fields[k]; !taken {
				fields[k] = v
			}
		}
		b.WriteRune('\t')
		writeOrderedFields(&b, fields)
	}
	return b.String()
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}
	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if Default.Out != nil {
		Default.Out.Write(time.Now(), debug, s)
	}
}

// Write implements io.Writer; every write becomes one log line.
func (l Logger) Write(p []byte) (int, error) {
	l.log(false, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Default is the package-level Logger; its Out is the fallback sink for
// Loggers without their own Out (set it with Init).
var Default = Logger{Out: WriterOutput(io.Discard, false)}

func Init(out Output) { Default.Out = out }
