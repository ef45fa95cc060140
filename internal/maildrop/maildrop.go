// Package maildrop implements Mail Drop (spec.md §4.7): assembles the
// streaming ingress pipeline on message receipt, computes the envelope's
// metadata, and commits it to the queue.
package maildrop

import (
	"bytes"
	"context"
	"io"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/sendzone/sendzoned/internal/envelope"
	"github.com/sendzone/sendzoned/internal/hooks"
	"github.com/sendzone/sendzoned/internal/pipeline"
	"github.com/sendzone/sendzoned/internal/pipeline/dkimhash"
	"github.com/sendzone/sendzoned/internal/queue"
	"github.com/sendzone/sendzoned/internal/router"
	"github.com/sendzone/sendzoned/internal/slog"
)

// Drop assembles and runs the pipeline described in spec.md §4.7:
// source -> analyzerHooks -> splitter -> rewriteHooks -> messageParser ->
// streamHooks -> dkimHasher -> queue.store -> queue.setMeta -> queue.push.
type Drop struct {
	Backend queue.Backend
	Bus     *hooks.Bus
	Router  router.Tables
	Log     slog.Logger

	// NextID assigns env.ID when unset (spec.md §4.7 step 1: "from queue's
	// sequence"). Production wires it to the Backend's ID source
	// (queue.Memory.NextID or an equivalent external collaborator).
	NextID func() string

	DKIMAlgo string
}

// Add runs one message from sourceStream through the full pipeline and
// commits it, tearing down any partial artifact on failure (spec.md §4.7
// step 8). sourceStream is drained regardless of outcome so the caller's
// SMTP session can end cleanly.
func (d *Drop) Add(ctx context.Context, env *envelope.Envelope, sourceStream io.Reader) error {
	if env.ID == "" {
		if d.NextID != nil {
			env.ID = d.NextID()
		} else {
			// No external sequence source configured: fall back to an
			// opaque random ID rather than leave the message unidentifiable.
			env.ID = uuid.NewString()
		}
	}

	raw, err := io.ReadAll(sourceStream)
	if err != nil {
		return d.teardown(ctx, env, err)
	}

	if d.Bus != nil {
		raw, err = d.Bus.RunAnalyzers(ctx, env, raw)
		if err != nil {
			return d.teardown(ctx, env, err)
		}
	}

	var splitOut io.Reader = bytes.NewReader(raw)
	if splitter := d.splitterFor(); splitter != nil {
		splitOut, err = splitter.Run(ctx, bytes.NewReader(raw))
		if err != nil {
			return d.teardown(ctx, env, err)
		}
	}

	var headerAndBody bytes.Buffer
	p := &pipeline.Parser{
		HeaderCB: func(hdr *textproto.Header) error {
			env.Headers = hdr
			if d.Bus != nil {
				return d.Bus.Run(ctx, hooks.MessageHeaders, env)
			}
			return nil
		},
	}
	_, bodyLen, err := p.Parse(splitOut, &headerAndBody)
	if err != nil {
		return d.teardown(ctx, env, err)
	}

	hasher, err := dkimhash.New(d.DKIMAlgo)
	if err != nil {
		return d.teardown(ctx, env, err)
	}

	// headerAndBody holds the full wire-form message; only the bytes after
	// the header/body boundary Parse reported feed the body hasher (spec.md
	// §4.4 hashes the body, not headers+body).
	full := headerAndBody.Bytes()
	bodyStart := len(full) - int(bodyLen)
	if bodyStart < 0 {
		bodyStart = 0
	}

	var stored bytes.Buffer
	if _, err := stored.Write(full); err != nil {
		return d.teardown(ctx, env, err)
	}
	if _, err := hasher.Write(full[bodyStart:]); err != nil {
		return d.teardown(ctx, env, err)
	}

	env.DKIM.BodyHash = hasher.Sum()
	env.DKIM.HashAlgo = hasher.Algo()
	env.BodySize = int64(stored.Len())

	if d.Bus != nil {
		if err := d.Bus.Run(ctx, hooks.MessageStore, env); err != nil {
			return d.teardown(ctx, env, err)
		}
	}
	if err := d.Backend.Store(ctx, env.ID, bytes.NewReader(stored.Bytes())); err != nil {
		return d.teardown(ctx, env, err)
	}

	if d.Bus != nil {
		if err := d.Bus.Run(ctx, hooks.MessageQueue, env); err != nil {
			return d.teardown(ctx, env, err)
		}
	}
	if err := d.Backend.SetMeta(ctx, env); err != nil {
		return d.teardown(ctx, env, err)
	}

	if _, err := d.Backend.Push(ctx, env, d.route); err != nil {
		return d.teardown(ctx, env, err)
	}

	d.Log.Msg("QUEUED", "id", env.ID, "from", env.From, "recipients", len(env.To))
	return nil
}

// route adapts router.Tables to queue.RouteFunc, reading the routing-header
// candidates from the headers snapshot captured during parsing.
func (d *Drop) route(env *envelope.Envelope, recipient string) string {
	var lines []router.HeaderLine
	if env.Headers != nil {
		for f := env.Headers.Fields(); f.Next(); {
			lines = append(lines, router.HeaderLine{Name: f.Key(), Value: f.Value()})
		}
	}
	zone, err := d.Router.FindZoneFor(env, lines, recipient)
	if err != nil {
		d.Log.Error("NOROUTE", err, "id", env.ID, "recipient", recipient)
		return ""
	}
	return zone
}

// splitterFor returns the hook bus's MIME splitter if any rewrite/stream
// hooks are registered, else nil so Add takes the cheaper Parser-only path
// (spec.md §4.7 step 2).
func (d *Drop) splitterFor() *pipeline.Splitter {
	if d.Bus == nil {
		return nil
	}
	return d.Bus.Splitter()
}

// teardown undoes a partially committed message on any pipeline failure,
// including one before Backend.Store ever ran (spec.md §4.7 step 8).
// RemoveMessage is a no-op on a message ID that was never stored, so it is
// safe to call unconditionally.
func (d *Drop) teardown(ctx context.Context, env *envelope.Envelope, cause error) error {
	if err := d.Backend.RemoveMessage(ctx, env.ID); err != nil {
		d.Log.Error("TEARDOWNERR", err, "id", env.ID)
	}
	d.Log.Error("NOQUEUE", cause, "id", env.ID)
	return cause
}
