// Package surface keeps the remote select-menu surfaces in step with the
// catalog: it renders a surface from the current snapshot and applies the
// minimal create/edit/delete calls to match it.
package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"marketsync/internal/catalog"
	"marketsync/internal/pricing"
	"marketsync/internal/registry"
	"marketsync/internal/remoteui"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoChannel is returned (as a terminal error) for a surface that has no
// channel in the layout and no default channel.
var ErrNoChannel = errors.New("no channel configured for surface")

// Snapshots is the part of the catalog cache the synchronizer reads from.
type Snapshots interface {
	Get(ctx context.Context) (*catalog.Snapshot, error)
	RefreshNow(ctx context.Context) (*catalog.Snapshot, error)
	Invalidate()
}

var _ Snapshots = (*catalog.Cache)(nil)

type Action string

const (
	ActionNoop    Action = "noop"
	ActionSkipped Action = "skipped"
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionRemoved Action = "removed"
)

type Options struct {
	// Refresh bypasses the cache TTL before computing the surface.
	Refresh bool
	// Force re-applies the surface even when the fingerprint matches.
	Force bool
	// Verify checks that every bound message still exists before trusting a
	// matching fingerprint.
	Verify bool
}

type Result struct {
	GroupKey   string   `json:"group_key"`
	Action     Action   `json:"action"`
	MessageIDs []string `json:"message_ids,omitempty"`
	Created    int      `json:"created"`
	Edited     int      `json:"edited"`
	Deleted    int      `json:"deleted"`
	Hash       string   `json:"content_hash,omitempty"`
}

type Synchronizer struct {
	cache    Snapshots
	reg      registry.Registry
	platform remoteui.Platform
	calc     *pricing.Calculator
	layout   *Layout
	log      *slog.Logger
	tracer   trace.Tracer
}

func NewSynchronizer(cache Snapshots, reg registry.Registry, platform remoteui.Platform, calc *pricing.Calculator, layout *Layout, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if layout == nil {
		layout = &Layout{}
	}
	return &Synchronizer{
		cache:    cache,
		reg:      reg,
		platform: platform,
		calc:     calc,
		layout:   layout,
		log:      logger,
		tracer:   otel.Tracer("marketsync/surface"),
	}
}

// Reconcile brings one surface in line with the catalog.
func (s *Synchronizer) Reconcile(ctx context.Context, groupKey string, opts Options) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "surface.reconcile",
		trace.WithAttributes(
			attribute.String("surface.key", groupKey),
			attribute.Bool("refresh", opts.Refresh),
			attribute.Bool("force", opts.Force),
			attribute.Bool("verify", opts.Verify),
		),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("action", string(res.Action)),
			attribute.Int("messages.created", res.Created),
			attribute.Int("messages.edited", res.Edited),
			attribute.Int("messages.deleted", res.Deleted),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	res = Result{GroupKey: groupKey, Action: ActionNoop}

	unlock, err := s.reg.Lock(ctx, groupKey)
	if err != nil {
		return res, fmt.Errorf("surface %s: %w", groupKey, err)
	}
	defer unlock()

	snap, err := s.snapshot(ctx, opts.Refresh)
	if err != nil {
		return res, err
	}
	binding, bound, err := s.reg.Get(ctx, groupKey)
	if err != nil {
		return res, err
	}

	content := snap.SurfaceContent(groupKey)
	if len(content) == 0 {
		if !bound {
			return res, nil
		}
		return s.remove(ctx, res, binding)
	}

	channel, ok := s.layout.ChannelFor(groupKey)
	if !ok {
		return res, remoteui.Classify(remoteui.ErrTerminal, fmt.Errorf("surface %s: %w", groupKey, ErrNoChannel))
	}

	if bound && binding.ChannelID != "" && binding.ChannelID != channel {
		s.log.Info("surface moved channel", "surface", groupKey, "from", binding.ChannelID, "to", channel)
		if res, err = s.remove(ctx, res, binding); err != nil {
			return res, err
		}
		binding, bound = registry.Binding{GroupKey: groupKey}, false
	}

	msgs := Render(content, s.calc, s.layout.Config(groupKey))
	hash := Fingerprint(channel, msgs)
	if bound && !opts.Force && binding.ContentHash == hash {
		if opts.Verify {
			intact, err := s.intact(ctx, binding)
			if err != nil {
				return res, err
			}
			if !intact {
				s.log.Info("bound message missing, re-applying", "surface", groupKey)
				return s.apply(ctx, res, channel, binding, msgs, hash)
			}
		}
		res.Action = ActionSkipped
		res.MessageIDs = binding.MessageIDs
		res.Hash = hash
		return res, nil
	}

	return s.apply(ctx, res, channel, binding, msgs, hash)
}

// intact reports whether every bound message is still on the remote side.
func (s *Synchronizer) intact(ctx context.Context, binding registry.Binding) (bool, error) {
	for _, id := range binding.MessageIDs {
		err := s.platform.FetchMessage(ctx, binding.ChannelID, id)
		if errors.Is(err, remoteui.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("verify surface %s: %w", binding.GroupKey, err)
		}
	}
	return true, nil
}

func (s *Synchronizer) snapshot(ctx context.Context, refresh bool) (*catalog.Snapshot, error) {
	if refresh {
		return s.cache.RefreshNow(ctx)
	}
	return s.cache.Get(ctx)
}

// apply edits bound messages in order, creates the missing ones and deletes
// the surplus. On failure the ids gathered so far, plus the untouched old
// ones, are saved with an empty hash so the next run re-applies.
func (s *Synchronizer) apply(ctx context.Context, res Result, channel string, binding registry.Binding, msgs []remoteui.Message, hash string) (Result, error) {
	old := binding.MessageIDs
	ids := make([]string, 0, len(msgs))

	fail := func(rest []string, cause error) (Result, error) {
		keep := append(slices.Clone(ids), rest...)
		partial := registry.Binding{GroupKey: res.GroupKey, ChannelID: channel, MessageIDs: keep}
		if err := s.reg.Put(ctx, partial); err != nil {
			cause = errors.Join(cause, err)
		}
		res.MessageIDs = keep
		return res, fmt.Errorf("apply surface %s: %w", res.GroupKey, cause)
	}

	for i, msg := range msgs {
		if i < len(old) {
			err := s.platform.EditMessage(ctx, channel, old[i], msg)
			if err == nil {
				ids = append(ids, old[i])
				res.Edited++
				continue
			}
			if !errors.Is(err, remoteui.ErrNotFound) {
				return fail(old[i:], err)
			}
			s.log.Info("bound message vanished, recreating", "surface", res.GroupKey, "message_id", old[i])
		}
		id, err := s.platform.CreateMessage(ctx, channel, msg)
		if err != nil {
			if errors.Is(err, remoteui.ErrNotFound) {
				// Creating into a missing channel will not start working on retry.
				err = remoteui.Classify(remoteui.ErrTerminal, err)
			}
			return fail(tail(old, i+1), err)
		}
		ids = append(ids, id)
		res.Created++
	}

	for j := len(msgs); j < len(old); j++ {
		err := s.platform.DeleteMessage(ctx, channel, old[j])
		if err != nil && !errors.Is(err, remoteui.ErrNotFound) {
			return fail(old[j:], err)
		}
		res.Deleted++
	}

	if err := s.reg.Put(ctx, registry.Binding{GroupKey: res.GroupKey, ChannelID: channel, MessageIDs: ids, ContentHash: hash}); err != nil {
		return res, err
	}

	res.Action = ActionUpdated
	if len(old) == 0 {
		res.Action = ActionCreated
	}
	res.MessageIDs = ids
	res.Hash = hash
	s.log.Info("surface reconciled",
		"surface", res.GroupKey,
		"action", res.Action,
		"created", res.Created,
		"edited", res.Edited,
		"deleted", res.Deleted,
	)
	return res, nil
}

// remove deletes every bound message and then the binding. Messages that are
// already gone count as deleted.
func (s *Synchronizer) remove(ctx context.Context, res Result, binding registry.Binding) (Result, error) {
	for i, id := range binding.MessageIDs {
		err := s.platform.DeleteMessage(ctx, binding.ChannelID, id)
		if err != nil && !errors.Is(err, remoteui.ErrNotFound) {
			rest := binding.Clone()
			rest.MessageIDs = rest.MessageIDs[i:]
			rest.ContentHash = ""
			if perr := s.reg.Put(ctx, rest); perr != nil {
				err = errors.Join(err, perr)
			}
			return res, fmt.Errorf("remove surface %s: %w", binding.GroupKey, err)
		}
		res.Deleted++
	}
	if err := s.reg.Delete(ctx, binding.GroupKey); err != nil {
		return res, err
	}
	res.Action = ActionRemoved
	s.log.Info("surface removed", "surface", binding.GroupKey, "deleted", res.Deleted)
	return res, nil
}

// AllSurfaceKeys refreshes the catalog and lists every surface worth
// reconciling: those referenced by the catalog, declared in the layout, or
// still bound in the registry.
func (s *Synchronizer) AllSurfaceKeys(ctx context.Context) ([]string, error) {
	snap, err := s.cache.RefreshNow(ctx)
	if err != nil {
		return nil, err
	}
	return s.surfaceKeys(ctx, snap)
}

func (s *Synchronizer) surfaceKeys(ctx context.Context, snap *catalog.Snapshot) ([]string, error) {
	keys := slices.Clone(snap.SurfaceKeys())
	keys = append(keys, s.layout.Keys()...)
	bound, err := s.reg.Keys(ctx)
	if err != nil {
		return nil, err
	}
	keys = append(keys, bound...)
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

// ForceRebuildAll refreshes the catalog and force-reconciles every surface.
func (s *Synchronizer) ForceRebuildAll(ctx context.Context) (map[string]Result, error) {
	return s.ReconcileAll(ctx, Options{Force: true})
}

// ReconcileAll refreshes the catalog and reconciles every surface with opts.
// Per-surface failures are joined; the other surfaces still run.
func (s *Synchronizer) ReconcileAll(ctx context.Context, opts Options) (map[string]Result, error) {
	keys, err := s.AllSurfaceKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile all: %w", err)
	}

	results := make(map[string]Result, len(keys))
	var errs []error
	for _, key := range keys {
		res, err := s.Reconcile(ctx, key, opts)
		results[key] = res
		if err != nil {
			s.log.Error("surface reconcile failed", "surface", key, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return results, errors.Join(errs...)
}

func tail(ids []string, from int) []string {
	if from >= len(ids) {
		return nil
	}
	return ids[from:]
}
