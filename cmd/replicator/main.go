// Command replicator drives the replication engine from a YAML configuration
// of named driver instances. It validates configurations, probes
// connectivity, and runs a stdin event feed with a Prometheus metrics
// endpoint.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/s3db-io/replicator/replicate"

	// Driver registrations.
	_ "github.com/s3db-io/replicator/replicate/driver/bigquery"
	_ "github.com/s3db-io/replicator/replicate/driver/dynamodb"
	_ "github.com/s3db-io/replicator/replicate/driver/file"
	_ "github.com/s3db-io/replicator/replicate/driver/mongodb"
	_ "github.com/s3db-io/replicator/replicate/driver/mysql"
	_ "github.com/s3db-io/replicator/replicate/driver/postgres"
	_ "github.com/s3db-io/replicator/replicate/driver/sibling"
	_ "github.com/s3db-io/replicator/replicate/driver/sqlite"
	_ "github.com/s3db-io/replicator/replicate/driver/sqs"
	_ "github.com/s3db-io/replicator/replicate/driver/webhook"
)

type baseArgs struct {
	Config   string `long:"config" short:"c" default:"replicator.yaml" description:"Path to the YAML configuration file"`
	LogLevel string `long:"log.level" default:"info" description:"Logging level"`
}

type runArgs struct {
	baseArgs
	MetricsPort uint16 `long:"metrics.port" default:"9090" description:"Prometheus metrics port"`
}

// configFile is the on-disk YAML layout: named replicator instances plus the
// source schema used for validation and schema sync.
type configFile struct {
	Replicators map[string]instanceConfig         `yaml:"replicators"`
	Schema      map[string]map[string]interface{} `yaml:"schema,omitempty"`
}

type instanceConfig struct {
	Driver string                 `yaml:"driver"`
	Config map[string]interface{} `yaml:"config"`
}

func loadConfig(path string) (*configFile, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	var cfg configFile
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if len(cfg.Replicators) == 0 {
		return nil, fmt.Errorf("configuration defines no replicators")
	}
	return &cfg, nil
}

// build constructs every configured replicator, sorted by instance name.
func build(cfg *configFile) ([]replicate.Replicator, error) {
	var names = make([]string, 0, len(cfg.Replicators))
	for name := range cfg.Replicators {
		names = append(names, name)
	}
	sort.Strings(names)

	var out = make([]replicate.Replicator, 0, len(names))
	for _, name := range names {
		var instance = cfg.Replicators[name]
		raw, err := json.Marshal(instance.Config)
		if err != nil {
			return nil, fmt.Errorf("replicator %q: encoding config: %w", name, err)
		}
		r, err := replicate.New(instance.Driver, name, raw)
		if err != nil {
			return nil, fmt.Errorf("replicator %q: %w", name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// staticSource exposes the YAML schema section as a SourceDatabase. Its write
// surface is inert: the CLI feeds events in, it never writes back.
type staticSource struct {
	schema map[string]map[string]interface{}
}

type staticResource struct {
	name  string
	attrs map[string]interface{}
}

func (s staticSource) Resource(name string) (replicate.Resource, error) {
	var attrs, ok = s.schema[name]
	if !ok {
		return nil, fmt.Errorf("resource %q is not declared in the schema section", name)
	}
	return staticResource{name: name, attrs: attrs}, nil
}

func (r staticResource) Name() string                       { return r.name }
func (r staticResource) Attributes() map[string]interface{} { return r.attrs }
func (r staticResource) PluginAttributeNames() []string     { return nil }

func (r staticResource) Insert(context.Context, replicate.Record) (replicate.Record, error) {
	return nil, fmt.Errorf("resource %q is read-only in this process", r.name)
}
func (r staticResource) Update(context.Context, string, replicate.Record) (replicate.Record, error) {
	return nil, fmt.Errorf("resource %q is read-only in this process", r.name)
}
func (r staticResource) Delete(context.Context, string) error {
	return fmt.Errorf("resource %q is read-only in this process", r.name)
}

type checkCmd struct{ baseArgs }

// Execute validates every instance configuration without contacting sinks.
func (c *checkCmd) Execute([]string) error {
	initLog(c.LogLevel)
	var cfg, err = loadConfig(c.Config)
	if err != nil {
		return err
	}
	replicators, err := build(cfg)
	if err != nil {
		return err
	}

	var failed int
	for _, r := range replicators {
		var result = r.ValidateConfig()
		if result.Valid {
			color.Green("✓ %s (%s)", r.Name(), r.DriverName())
			continue
		}
		failed++
		color.Red("✗ %s (%s)", r.Name(), r.DriverName())
		for _, problem := range result.Errors {
			fmt.Printf("    %s\n", problem)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d replicators failed validation", failed, len(replicators))
	}
	return nil
}

type testCmd struct{ baseArgs }

// Execute initializes each instance (running schema sync where enabled),
// probes connectivity, and cleans up.
func (c *testCmd) Execute([]string) error {
	initLog(c.LogLevel)
	var cfg, err = loadConfig(c.Config)
	if err != nil {
		return err
	}
	replicators, err := build(cfg)
	if err != nil {
		return err
	}

	var ctx = context.Background()
	var source = staticSource{schema: cfg.Schema}
	var failed int

	for _, r := range replicators {
		if err = r.Initialize(ctx, source); err != nil {
			failed++
			color.Red("✗ %s (%s): %v", r.Name(), r.DriverName(), err)
			continue
		}
		if !r.TestConnection(ctx) {
			failed++
			color.Red("✗ %s (%s): connection probe failed", r.Name(), r.DriverName())
		} else {
			color.Green("✓ %s (%s)", r.Name(), r.DriverName())
		}
		if err = r.Cleanup(ctx); err != nil {
			log.WithFields(log.Fields{"replicator": r.Name(), "err": err}).Warn("cleanup failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d replicators failed", failed, len(replicators))
	}
	return nil
}

type driversCmd struct{}

// Execute lists the registered driver names.
func (driversCmd) Execute([]string) error {
	for _, name := range replicate.Drivers() {
		fmt.Println(name)
	}
	return nil
}

type runCmd struct{ runArgs }

// inputEvent is one stdin line: a change event in the engine's canonical
// field names.
type inputEvent struct {
	Resource string           `json:"resource"`
	Action   string           `json:"action"`
	ID       string           `json:"id,omitempty"`
	Data     replicate.Record `json:"data"`
	Before   replicate.Record `json:"before,omitempty"`
}

// Execute initializes every instance, then dispatches one JSON event per
// stdin line to all of them until EOF or a termination signal.
func (c *runCmd) Execute([]string) error {
	initLog(c.LogLevel)
	var cfg, err = loadConfig(c.Config)
	if err != nil {
		return err
	}
	replicators, err := build(cfg)
	if err != nil {
		return err
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		cancel()
	}()

	go func() {
		var addr = fmt.Sprintf(":%d", c.MetricsPort)
		log.WithField("addr", addr).Info("serving metrics")
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.WithField("err", err).Warn("metrics server stopped")
		}
	}()

	var source = staticSource{schema: cfg.Schema}
	var active []replicate.Replicator
	for _, r := range replicators {
		if err = r.Initialize(ctx, source); err != nil {
			log.WithFields(log.Fields{"replicator": r.Name(), "err": err}).
				Error("replicator failed to initialize, excluded from dispatch")
			continue
		}
		active = append(active, r)
	}
	if len(active) == 0 {
		return fmt.Errorf("no replicator initialized successfully")
	}
	defer func() {
		for _, r := range active {
			if err := r.Cleanup(context.Background()); err != nil {
				log.WithFields(log.Fields{"replicator": r.Name(), "err": err}).Warn("cleanup failed")
			}
		}
	}()

	var scanner = bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		var line = scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in inputEvent
		if err = json.Unmarshal(line, &in); err != nil {
			log.WithField("err", err).Warn("skipping malformed event line")
			continue
		}

		var ev = replicate.Event{
			Resource:  in.Resource,
			Operation: replicate.Operation(in.Action),
			Data:      in.Data,
			ID:        in.ID,
			Before:    in.Before,
		}
		if ev.ID == "" {
			ev.ID = replicate.RecordID(in.Data)
		}

		for _, r := range active {
			if result, rErr := r.Replicate(ctx, ev); rErr != nil {
				log.WithFields(log.Fields{"replicator": r.Name(), "err": rErr}).Warn("replicate failed")
			} else if !result.Success {
				log.WithFields(log.Fields{
					"replicator": r.Name(),
					"resource":   ev.Resource,
					"errors":     len(result.Errors),
				}).Warn("replicate completed with route failures")
			}
		}
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("reading events: %w", err)
	}
	log.Info("goodbye")
	return nil
}

func initLog(level string) {
	if parsed, err := log.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	}
	log.SetFormatter(&log.JSONFormatter{})
}

func main() {
	var parser = flags.NewParser(nil, flags.Default)
	parser.AddCommand("check", "Validate configurations",
		"Validate every configured replicator without contacting sinks.", &checkCmd{})
	parser.AddCommand("test", "Probe connectivity",
		"Initialize each replicator, run its connection probe, and clean up.", &testCmd{})
	parser.AddCommand("run", "Dispatch events from stdin",
		"Read one JSON change event per line and replicate it to every configured sink.", &runCmd{})
	parser.AddCommand("drivers", "List registered drivers",
		"Print the names of all registered drivers.", &driversCmd{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
