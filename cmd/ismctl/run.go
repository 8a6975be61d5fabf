package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/indexlifecycle/ismctl/internal/clusterstate"
	"github.com/indexlifecycle/ismctl/internal/config"
	"github.com/indexlifecycle/ismctl/internal/ism"
	"github.com/indexlifecycle/ismctl/internal/lock"
	"github.com/indexlifecycle/ismctl/internal/metastore"
	"github.com/indexlifecycle/ismctl/internal/registry"
	"github.com/indexlifecycle/ismctl/internal/rollup"
	"github.com/indexlifecycle/ismctl/internal/scheduler"
	"github.com/indexlifecycle/ismctl/internal/step"
)

// ServeOptions holds the serve subcommand's configuration. The metadata
// store and cluster-state are the sources of truth for job state once a
// tick runs, but which job ids to dispatch on each schedule is a CLI/REST
// concern outside the core (spec.md §4.B) — serve takes that catalogue as
// flags rather than discovering it.
type ServeOptions struct {
	config.Config

	// ISMJobs is a set of "jobID=indexName=policyID" triples to dispatch on
	// the ISM schedule.
	ISMJobs []string
	// RollupJobs is a set of "jobID=sourceIndex=targetIndex" triples to
	// dispatch on the rollup schedule.
	RollupJobs []string
}

// NewServeOptions creates options with default values.
func NewServeOptions() *ServeOptions {
	return &ServeOptions{Config: config.Default()}
}

// AddFlags registers every flag the serve command accepts.
func (o *ServeOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.NATSURL, "nats-url", o.NATSURL, "NATS server URL for the metadata store and lock service")
	fs.StringVar(&o.ClickHouseAddress, "clickhouse-address", o.ClickHouseAddress, "ClickHouse server address (host:port)")
	fs.StringVar(&o.ClickHouseDatabase, "clickhouse-database", o.ClickHouseDatabase, "Database containing rollup source tables")
	fs.StringVar(&o.ClickHouseUsername, "clickhouse-username", o.ClickHouseUsername, "Username for ClickHouse authentication")
	fs.StringVar(&o.ClickHousePassword, "clickhouse-password", o.ClickHousePassword, "Password for ClickHouse authentication")
	fs.DurationVar(&o.ISMTickInterval, "ism-tick-interval", o.ISMTickInterval, "Interval between ISM scheduler dispatches")
	fs.DurationVar(&o.RollupTickInterval, "rollup-tick-interval", o.RollupTickInterval, "Interval between rollup scheduler dispatches")
	fs.DurationVar(&o.LeaseTTL, "lease-ttl", o.LeaseTTL, "Per-job lease TTL enforced by the lock service")
	fs.StringArrayVar(&o.ISMJobs, "ism-job", nil, "ISM job to dispatch, as jobID=indexName=policyID (repeatable)")
	fs.StringArrayVar(&o.RollupJobs, "rollup-job", nil, "Rollup job to dispatch, as jobID=sourceIndex=targetIndex (repeatable)")
}

type ismJobSpec struct {
	id, index, policy string
}

type rollupJobSpec struct {
	id, source, target string
}

func parseTriple(spec string) (string, string, string, error) {
	parts := strings.SplitN(spec, "=", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("expected jobID=a=b, got %q", spec)
	}
	return parts[0], parts[1], parts[2], nil
}

func (o *ServeOptions) parseISMJobs() ([]ismJobSpec, error) {
	out := make([]ismJobSpec, 0, len(o.ISMJobs))
	for _, raw := range o.ISMJobs {
		id, index, policy, err := parseTriple(raw)
		if err != nil {
			return nil, fmt.Errorf("--ism-job: %w", err)
		}
		out = append(out, ismJobSpec{id: id, index: index, policy: policy})
	}
	return out, nil
}

func (o *ServeOptions) parseRollupJobs() ([]rollupJobSpec, error) {
	out := make([]rollupJobSpec, 0, len(o.RollupJobs))
	for _, raw := range o.RollupJobs {
		id, source, target, err := parseTriple(raw)
		if err != nil {
			return nil, fmt.Errorf("--rollup-job: %w", err)
		}
		out = append(out, rollupJobSpec{id: id, source: source, target: target})
	}
	return out, nil
}

// NewServeCommand creates the serve subcommand that runs the scheduler loop.
func NewServeCommand() *cobra.Command {
	o := NewServeOptions()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ISM and rollup scheduler loops",
		Long: `Connects to NATS for the metadata store and lock service, and to
ClickHouse for rollup composite search, then dispatches ISM and rollup
job ticks on independent schedules until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(); err != nil {
				return err
			}
			return Run(cmd.Context(), o)
		},
	}

	o.AddFlags(cmd.Flags())
	return cmd
}

// Run wires every collaborator and blocks until the process receives an
// interrupt signal.
func Run(ctx context.Context, o *ServeOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ismJobs, err := o.parseISMJobs()
	if err != nil {
		return err
	}
	rollupJobs, err := o.parseRollupJobs()
	if err != nil {
		return err
	}

	nc, err := nats.Connect(o.NATSURL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("open jetstream context: %w", err)
	}

	ismStore, err := metastore.NewNATSStore(js)
	if err != nil {
		return fmt.Errorf("open ism metadata store: %w", err)
	}
	rollupStore, err := rollup.NewNATSStore(js)
	if err != nil {
		return fmt.Errorf("open rollup metadata store: %w", err)
	}
	lockSvc, err := lock.NewNATSLockService(js)
	if err != nil {
		return fmt.Errorf("open lock service: %w", err)
	}

	searcher, err := rollup.NewClickHouseSearcher(rollup.ClickHouseConfig{
		Address:  o.ClickHouseAddress,
		Database: o.ClickHouseDatabase,
		Username: o.ClickHouseUsername,
		Password: o.ClickHousePassword,
	})
	if err != nil {
		return fmt.Errorf("connect to clickhouse: %w", err)
	}
	defer searcher.Close()

	// The real cluster-state feed is out of scope (spec.md §1); the
	// in-memory reference reader stands in for it here, seeded from the
	// job catalogue below so resolution in RunTick succeeds.
	cluster := clusterstate.NewInMemoryClusterState()
	clusterWriter := clusterstate.SettingsWriter{Cluster: cluster}

	policyRegistry := registry.New(ismStore)
	actions := map[string]step.Action{
		"open":       step.NewOpenAction(),
		"close":      step.NewCloseAction(),
		"read_only":  step.NewReadOnlyAction(),
		"read_write": step.NewReadWriteAction(),
		"rollover":   step.NewRolloverAction(),
		"delete":     step.NewDeleteAction(),
	}
	ismRunner := ism.New(ismStore, policyRegistry, lockSvc, cluster, clusterWriter, actions)
	ismRunner.LeaseTTL = o.LeaseTTL

	rollupMeta := rollup.NewMetadataService(rollupStore)
	rollupRunner := rollup.New(
		rollupStore,
		rollupMeta,
		lockSvc,
		searcher,
		rollup.ClusterIndexWriter{Cluster: clusterWriter},
		rollup.ClusterValidator{Cluster: cluster},
	)
	rollupRunner.LeaseTTL = o.LeaseTTL

	klog.InfoS("ismctl starting", "natsURL", o.NATSURL, "clickhouseAddress", o.ClickHouseAddress,
		"ismJobs", len(ismJobs), "rollupJobs", len(rollupJobs))

	ismSched := scheduler.New(o.ISMTickInterval)
	for i, spec := range ismJobs {
		cluster.PutIndex(clusterstate.IndexMetaData{Name: spec.index, UUID: strconv.Itoa(i)})
		cfg := &metastore.JobConfig{ID: spec.id, IndexName: spec.index, PolicyID: spec.policy, Enabled: true}
		ismSched.Register(scheduler.Job{
			ID: spec.id,
			Tick: func(ctx context.Context) error {
				return ismRunner.RunTick(ctx, cfg)
			},
		})
	}

	rollupSched := scheduler.New(o.RollupTickInterval)
	for _, spec := range rollupJobs {
		cfg := &rollup.Job{ID: spec.id, SourceIndex: spec.source, TargetIndex: spec.target, PageSize: 1000, Enabled: true}
		rollupSched.Register(scheduler.Job{
			ID: spec.id,
			Tick: func(ctx context.Context) error {
				return rollupRunner.RunTick(ctx, cfg)
			},
		})
	}

	go ismSched.Run(ctx)
	go rollupSched.Run(ctx)

	<-ctx.Done()
	klog.InfoS("ismctl shutting down")
	return nil
}
