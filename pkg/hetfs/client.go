package hetfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/mover"
	"github.com/gftdcojp/hetfs-tiering/internal/registry"
	"github.com/gftdcojp/hetfs-tiering/internal/serve"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type (
	Medium            = types.Medium
	OpKind            = types.OpKind
	AccessEvent       = types.AccessEvent
	PlacementEvent    = types.PlacementEvent
	RelocationRequest = types.RelocationRequest

	FileSummary  = serve.FileSummary
	FileReport   = serve.FileReport
	MediaReport  = serve.MediaReport
	MediaQuery   = serve.MediaQueryResult
	MediumReport = serve.MediumReport
	BlockMedium  = serve.BlockMedium
	JournalEntry = mover.JournalEntry
	Scope        = registry.Scope
)

const (
	MediumFast  = types.MediumFast
	MediumSlow  = types.MediumSlow
	MediumUnset = types.MediumUnset

	OpRead       = types.OpRead
	OpWrite      = types.OpWrite
	OpMmapMapped = types.OpMmapMapped
	OpMmapRaw    = types.OpMmapRaw

	ScopeRead  = registry.ScopeRead
	ScopeWrite = registry.ScopeWrite
	ScopeBoth  = registry.ScopeBoth
)

// Config configures the client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// JS, when set with AccessSubject or PlacementSubject, sends the
	// matching reports through JetStream instead of core NATS.
	JS               jetstream.JetStream
	AccessSubject    string
	PlacementSubject string

	// SubjectPrefix is the service's responder prefix. Defaults to "hetfs".
	SubjectPrefix string

	// Timeout for operator requests. Defaults to 5s.
	Timeout time.Duration
}

// Client talks to one hetfs-tiering service.
type Client struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	prefix  string
	timeout time.Duration

	accessSubject    string
	placementSubject string
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("hetfs: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "hetfs"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		nc:               cfg.NC,
		js:               cfg.JS,
		prefix:           prefix,
		timeout:          timeout,
		accessSubject:    cfg.AccessSubject,
		placementSubject: cfg.PlacementSubject,
	}, nil
}

// ReportAccess sends access events. Over core NATS delivery is best effort;
// through JetStream it returns once the stream has stored the batch.
func (c *Client) ReportAccess(ctx context.Context, events ...AccessEvent) error {
	return c.report(ctx, c.accessSubject, c.prefix+".access", events)
}

// ReportPlacement sends write placement events.
func (c *Client) ReportPlacement(ctx context.Context, events ...PlacementEvent) error {
	return c.report(ctx, c.placementSubject, c.prefix+".placement", events)
}

func (c *Client) report(ctx context.Context, durableSubject, coreSubject string, events any) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("hetfs: encoding events: %w", err)
	}
	if c.js != nil && durableSubject != "" {
		if _, err := c.js.Publish(ctx, durableSubject, data); err != nil {
			return fmt.Errorf("hetfs: publishing to %s: %w", durableSubject, err)
		}
		return nil
	}
	if err := c.nc.Publish(coreSubject, data); err != nil {
		return fmt.Errorf("hetfs: publishing to %s: %w", coreSubject, err)
	}
	return nil
}

// Files lists tracked files.
func (c *Client) Files(ctx context.Context) ([]FileSummary, error) {
	var out []FileSummary
	err := c.call(ctx, "files", serve.FilesRequest{}, &out)
	return out, err
}

// FilesDetail lists tracked files with table totals.
func (c *Client) FilesDetail(ctx context.Context) ([]FileReport, error) {
	var out []FileReport
	err := c.call(ctx, "files", serve.FilesRequest{Detail: true}, &out)
	return out, err
}

// File returns one file's access tables.
func (c *Client) File(ctx context.Context, name string) (FileReport, error) {
	var out FileReport
	err := c.call(ctx, "file", serve.FileRequest{File: name}, &out)
	return out, err
}

// Region returns the files whose identity contains match.
func (c *Client) Region(ctx context.Context, match string) ([]FileReport, error) {
	var out []FileReport
	err := c.call(ctx, "region", serve.RegionRequest{Match: match}, &out)
	return out, err
}

// Media returns both placement maps of a file.
func (c *Client) Media(ctx context.Context, name string) (MediaReport, error) {
	var out MediaReport
	err := c.call(ctx, "media", serve.FileRequest{File: name}, &out)
	return out, err
}

// QueryMedia returns the extents of one placement map intersecting
// [start, end). stream is "write" (byte offsets) or "read" (block ids).
func (c *Client) QueryMedia(ctx context.Context, name, stream string, start, end uint64) (MediaQuery, error) {
	var out MediaQuery
	err := c.call(ctx, "media_query", serve.MediaQueryRequest{File: name, Stream: stream, Start: start, End: end}, &out)
	return out, err
}

// Medium returns the read placement of each block. Blocks come back in
// ascending order without duplicates; an uncovered block is MediumUnset.
func (c *Client) Medium(ctx context.Context, name string, blocks ...uint64) (MediumReport, error) {
	var out MediumReport
	err := c.call(ctx, "medium", serve.MediumRequest{File: name, Blocks: blocks}, &out)
	return out, err
}

// Analyze runs the policy on name, or on every file when name is empty. A
// nil percentile uses the service default. Requests issued before a failure
// are returned with the error.
func (c *Client) Analyze(ctx context.Context, name string, percentile *int) ([]RelocationRequest, error) {
	var out serve.AnalyzeResponse
	err := c.call(ctx, "analyze", serve.AnalyzeRequest{File: name, Percentile: percentile}, &out)
	return out.Requests, err
}

// ChangeMedium places the inclusive block range [first, last] on medium.
func (c *Client) ChangeMedium(ctx context.Context, name string, first, last uint64, medium Medium) (RelocationRequest, error) {
	var out RelocationRequest
	err := c.call(ctx, "change_medium", serve.ChangeMediumRequest{File: name, Start: first, End: last, Medium: medium}, &out)
	return out, err
}

// Reset clears access tables of name, or of every file when name is empty.
func (c *Client) Reset(ctx context.Context, name string, scope Scope) error {
	return c.call(ctx, "reset", serve.ResetRequest{File: name, Scope: scope}, nil)
}

// Forget stops tracking a file.
func (c *Client) Forget(ctx context.Context, name string) error {
	return c.call(ctx, "forget", serve.FileRequest{File: name}, nil)
}

// Journal lists up to limit queued relocation requests; zero lists all.
func (c *Client) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	var out []JournalEntry
	err := c.call(ctx, "journal", serve.JournalRequest{Limit: limit}, &out)
	return out, err
}

// Ack removes handled relocation requests from the journal.
func (c *Client) Ack(ctx context.Context, seqs ...uint64) error {
	return c.call(ctx, "journal_ack", serve.AckRequest{Seqs: seqs}, nil)
}

func (c *Client) call(ctx context.Context, op string, req, result any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("hetfs: encoding %s request: %w", op, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, c.prefix+".cmd."+op, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("hetfs: %s request: %w", op, err)
	}

	var reply struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
		Code   int             `json:"code"`
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("hetfs: decoding %s reply: %w", op, err)
	}
	if result != nil && len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("hetfs: decoding %s result: %w", op, err)
		}
	}
	if reply.Error != "" {
		return &RemoteError{Op: op, Code: reply.Code, Message: reply.Error}
	}
	return nil
}
