package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/docmutex/pkg/config"
	"github.com/nimburion/docmutex/pkg/health"
	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/mutex/factory"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/observability/metrics"
	"github.com/nimburion/docmutex/pkg/observability/tracing"
	"github.com/nimburion/docmutex/pkg/repository/document"
	"github.com/nimburion/docmutex/pkg/server"
	"github.com/nimburion/docmutex/pkg/version"
)

type environment struct {
	opts Options
	load func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error)
}

// session bundles what every lease command needs.
type session struct {
	cfg    *config.Config
	log    logger.Logger
	engine *mutex.Engine
	owner  string
}

func (env *environment) open(ctx context.Context, flags *pflag.FlagSet) (*session, error) {
	cfg, log, err := env.load(flags)
	if err != nil {
		return nil, err
	}
	owner, err := factory.NodeID(cfg.Mutex)
	if err != nil {
		return nil, err
	}
	exec, err := env.opts.NewExecutor(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	engine, err := mutex.NewEngine(exec, factory.EngineConfig(cfg.Mutex), log)
	if err != nil {
		_ = exec.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, engine: engine, owner: owner}, nil
}

func (s *session) Close() error {
	return s.engine.Executor().Close()
}

// recordView is the printable form of a record.
type recordView struct {
	Key       string                 `json:"key" yaml:"key"`
	Lease     string                 `json:"lease" yaml:"lease"`
	Owner     string                 `json:"owner,omitempty" yaml:"owner,omitempty"`
	Token     string                 `json:"token,omitempty" yaml:"token,omitempty"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty" yaml:"fields,omitempty"`
}

func viewRecord(rec *mutex.Record) recordView {
	view := recordView{Key: rec.Key, Lease: rec.Lease.Status().String(), Fields: rec.Fields}
	if state, ok := rec.Lease.State(); ok {
		view.Owner = state.Owner
		view.Token = state.Token
		expires := state.ExpiresAt.UTC()
		view.ExpiresAt = &expires
	}
	return view
}

func viewRecords(records []*mutex.Record) []recordView {
	out := make([]recordView, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			out = append(out, viewRecord(rec))
		}
	}
	return out
}

type holdOptions struct {
	hold        time.Duration
	metricsAddr string
}

// holdGuard keeps the guard alive, with its heartbeat running, until the hold
// duration elapses, the context is cancelled or the process is signalled.
// The management server is started on metricsAddr for the same period.
func holdGuard(ctx context.Context, s *session, guard *mutex.Guard, opts holdOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	tp, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    s.cfg.Service.Name,
		ServiceVersion: version.Current(s.cfg.Service.Name).Version,
		NodeID:         s.owner,
		Endpoint:       s.cfg.Observability.TracingEndpoint,
		Insecure:       true,
		SampleRate:     s.cfg.Observability.TracingSampleRate,
		Enabled:        s.cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	cleanup = append(cleanup, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("tracer provider shutdown failed", "error", err)
		}
	})

	addr := opts.metricsAddr
	if addr == "" && s.cfg.Observability.MetricsEnabled {
		addr = s.cfg.Observability.MetricsAddr
	}
	if addr != "" {
		registry := health.NewRegistry()
		registry.Register(mutex.NewExecutorHealthChecker(s.engine.Executor(), s.cfg.Mutex.OperationTimeout))
		mgmt := server.NewManagementServer(addr, s.log, registry, metrics.NewRegistry(), guard.Keys)
		serveCtx, cancelServe := context.WithCancel(ctx)
		served := make(chan error, 1)
		go func() { served <- mgmt.Start(serveCtx) }()
		cleanup = append(cleanup, func() {
			cancelServe()
			if err := <-served; err != nil {
				s.log.Warn("management server stopped with error", "error", err)
			}
		})
	}

	var timer <-chan time.Time
	if opts.hold > 0 {
		t := time.NewTimer(opts.hold)
		defer t.Stop()
		timer = t.C
	}

	var lost error
	select {
	case <-timer:
	case <-ctx.Done():
	case <-guard.Done():
		s.log.Warn("guard released before the hold elapsed", "owner", s.owner)
	case <-guard.Lost():
		s.log.Error("leases lost while holding", "owner", s.owner, "keys", guard.Keys())
		lost = fmt.Errorf("leases of %s lost before the hold elapsed", s.owner)
	}

	guard.Release()
	<-guard.Done()
	return lost
}

func newAcquireCommand(env *environment) *cobra.Command {
	var (
		timeout     time.Duration
		create      bool
		fields      []string
		hold        holdOptions
		outputFmt   string
		payloadJSON string
	)
	cmd := &cobra.Command{
		Use:   "acquire KEY [KEY...]",
		Short: "Acquire leases on records by key",
		Long: "With one key the command waits up to --timeout for the lease. With several keys a\n" +
			"single batch attempt is made and only the keys that were free are held.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := env.open(ctx, cmd.Flags())
			if err != nil {
				return err
			}
			defer s.Close()

			var (
				records []*mutex.Record
				guard   *mutex.Guard
			)
			acquireOpts := mutex.AcquireOptions{Fields: fields, Timeout: timeout}
			switch {
			case create:
				if len(args) != 1 {
					return errors.New("--create takes exactly one key")
				}
				payload := map[string]interface{}{}
				if payloadJSON != "" {
					if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
						return fmt.Errorf("invalid --payload: %w", err)
					}
				}
				var rec *mutex.Record
				rec, guard, err = s.engine.AcquireOrCreate(ctx, args[0], s.owner, acquireOpts, func() *mutex.Record {
					return &mutex.Record{Key: args[0], Fields: payload}
				})
				if rec != nil {
					records = []*mutex.Record{rec}
				}
			case len(args) == 1:
				var rec *mutex.Record
				rec, guard, err = s.engine.AcquireSingle(ctx, args[0], s.owner, acquireOpts)
				if rec != nil {
					records = []*mutex.Record{rec}
				}
			default:
				records, guard, err = s.engine.AcquireBatch(ctx, args, s.owner, fields)
			}
			if err != nil {
				return err
			}
			return reportAndHold(cmd, s, records, guard, hold, outputFmt)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long a single-key acquire keeps retrying (0 waits until acquired or interrupted)")
	cmd.Flags().BoolVar(&create, "create", false, "insert the record when it does not exist")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON object stored when --create inserts the record")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "payload fields to return (default all)")
	addHoldFlags(cmd, &hold, &outputFmt)
	return cmd
}

func newClaimCommand(env *environment) *cobra.Command {
	var (
		where     []string
		sorts     []string
		limit     int
		fields    []string
		hold      holdOptions
		outputFmt string
	)
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Acquire leases on records matching a filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := buildQuery(where, sorts, limit)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := env.open(ctx, cmd.Flags())
			if err != nil {
				return err
			}
			defer s.Close()

			records, guard, err := s.engine.AcquireByPredicate(ctx, q, s.owner, fields)
			if err != nil {
				return err
			}
			return reportAndHold(cmd, s, records, guard, hold, outputFmt)
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "equality filter field=value; value is parsed as JSON when possible (repeatable)")
	cmd.Flags().StringArrayVar(&sorts, "sort", nil, "sort field, optionally suffixed with :asc or :desc (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 1, "maximum number of records to claim")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "payload fields to return (default all)")
	addHoldFlags(cmd, &hold, &outputFmt)
	return cmd
}

func addHoldFlags(cmd *cobra.Command, hold *holdOptions, outputFmt *string) {
	cmd.Flags().DurationVar(&hold.hold, "hold", 0, "keep the leases for this long, renewing them (0 releases right away; negative holds until interrupted)")
	cmd.Flags().StringVar(&hold.metricsAddr, "metrics-addr", "", "serve /health, /ready, /metrics and /leases here while holding")
	cmd.Flags().StringVarP(outputFmt, "output", "o", "json", "output format (json, yaml)")
}

func reportAndHold(cmd *cobra.Command, s *session, records []*mutex.Record, guard *mutex.Guard, hold holdOptions, outputFmt string) error {
	if err := writeOutput(cmd, outputFmt, viewRecords(records)); err != nil {
		guard.Release()
		<-guard.Done()
		return err
	}
	if guard.IsEmpty() {
		guard.Release()
		<-guard.Done()
		return nil
	}
	if hold.hold == 0 {
		guard.Release()
		<-guard.Done()
		return nil
	}
	if hold.hold < 0 {
		hold.hold = 0
	}
	return holdGuard(cmd.Context(), s, guard, hold)
}

// buildQuery turns --where/--sort/--limit flags into a document query.
func buildQuery(where, sorts []string, limit int) (document.Query, error) {
	q := document.Query{Filter: document.Filter{}, Limit: limit}
	for _, clause := range where {
		field, raw, ok := strings.Cut(clause, "=")
		if !ok {
			return document.Query{}, fmt.Errorf("invalid --where %q: expected field=value", clause)
		}
		q.Filter[strings.TrimSpace(field)] = parseFilterValue(raw)
	}
	for _, spec := range sorts {
		field, order, _ := strings.Cut(spec, ":")
		s := document.Sort{Field: strings.TrimSpace(field), Order: document.SortAsc}
		switch strings.ToLower(strings.TrimSpace(order)) {
		case "", "asc":
		case "desc":
			s.Order = document.SortDesc
		default:
			return document.Query{}, fmt.Errorf("invalid --sort %q: order must be asc or desc", spec)
		}
		q.Sort = append(q.Sort, s)
	}
	if err := q.Validate(); err != nil {
		return document.Query{}, err
	}
	return q, nil
}

// parseFilterValue decodes JSON scalars ("42", "true", "\"x\"") and keeps
// anything else as a plain string.
func parseFilterValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func newInspectCommand(env *environment) *cobra.Command {
	var (
		fields    []string
		outputFmt string
	)
	cmd := &cobra.Command{
		Use:   "inspect KEY",
		Short: "Show a record and the state of its lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := env.open(cmd.Context(), cmd.Flags())
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.engine.Records().Get(cmd.Context(), args[0], fields...)
			if err != nil {
				return err
			}
			return writeOutput(cmd, outputFmt, viewRecord(rec))
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "payload fields to return (default all)")
	cmd.Flags().StringVarP(&outputFmt, "output", "o", "json", "output format (json, yaml)")
	return cmd
}

func newReleaseAllCommand(env *environment) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "release-all",
		Short: "Clear every lease written by an owner",
		Long:  "Meant for process startup: clears leases left behind by a previous run of the same node.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := env.open(cmd.Context(), cmd.Flags())
			if err != nil {
				return err
			}
			defer s.Close()

			if owner == "" {
				owner = s.owner
			}
			n, err := s.engine.ReleaseAllForOwner(cmd.Context(), owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d lease(s) of %s\n", n, owner)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner whose leases are cleared (default: this node)")
	return cmd
}
