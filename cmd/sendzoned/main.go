// Command sendzoned runs the sending-zone outbound MTA core: SMTP Ingress
// listeners, Mail Drop, the Zone Router, and one Sending Zone supervisor
// per configured zone.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/sendzone/sendzoned/internal/config"
	"github.com/sendzone/sendzoned/internal/dnsutil"
	"github.com/sendzone/sendzoned/internal/domainconfig"
	"github.com/sendzone/sendzoned/internal/hooks"
	"github.com/sendzone/sendzoned/internal/ingress"
	"github.com/sendzone/sendzoned/internal/maildrop"
	"github.com/sendzone/sendzoned/internal/queue"
	"github.com/sendzone/sendzoned/internal/router"
	"github.com/sendzone/sendzoned/internal/slog"
	"github.com/sendzone/sendzoned/internal/tlsconf"
	"github.com/sendzone/sendzoned/internal/zone"
	"github.com/sendzone/sendzoned/internal/zone/poolexpand"
)

var log = slog.Logger{Name: "sendzoned"}

func main() {
	app := &cli.App{
		Name:  "sendzoned",
		Usage: "sending-zone outbound mail transfer agent core",
		Commands: []*cli.Command{
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("FATAL", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "load a config file and serve until terminated",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "/etc/sendzoned/sendzoned.yaml", Usage: "path to config file"},
			&cli.StringFlag{Name: "metrics-addr", Value: "", Usage: "if set, serve Prometheus metrics on this address"},
			&cli.BoolFlag{Name: "debug", Value: false, Usage: "enable debug logging"},
		},
		Action: func(c *cli.Context) error {
			log.Debug = c.Bool("debug")
			return run(c.String("config"), c.String("metrics-addr"))
		},
	}
}

// instance is every long-lived collaborator a config.File builds, kept
// together so a reload can rebuild the zone Runtimes in place (spec.md
// §4.9 "Configuration reload": the Supervisor's worker pool survives, only
// the Runtime pointer swaps).
type instance struct {
	endpoints   []*ingress.Endpoint
	supervisors map[string]*zone.Supervisor // zone name -> supervisor
	domains     *domainconfig.Store
	backend     *queue.Memory
}

func run(configPath, metricsAddr string) error {
	f, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var resolver dnsutil.Resolver
	if client, err := dnsutil.NewClient(); err != nil {
		log.Error("DNSINITERR", err)
	} else {
		resolver = client
	}

	inst, err := build(f, resolver)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	watcher, err := config.Watch(configPath, log, func(nf *config.File, werr error) {
		if werr != nil {
			return
		}
		reloadZones(inst, nf)
	})
	if err != nil {
		log.Error("CONFIGWATCHERR", err)
	} else {
		defer watcher.Close()
	}

	errCh := make(chan error, len(inst.endpoints))
	for _, ep := range inst.endpoints {
		ep := ep
		go func() {
			if err := ep.Serve(); err != nil {
				errCh <- err
			}
		}()
	}
	for _, sup := range inst.supervisors {
		sup.Start(context.Background())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)

	select {
	case s := <-sig:
		log.Msg("SHUTDOWN", "signal", s.String())
	case err := <-errCh:
		log.Error("LISTENERR", err)
	}

	for _, ep := range inst.endpoints {
		ep.Close()
	}
	for _, sup := range inst.supervisors {
		sup.Drain()
	}
	inst.backend.Close()

	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Msg("METRICSLISTENING", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("METRICSERR", err)
	}
}

// build constructs every collaborator a config.File describes: the
// in-memory queue, a Zone Router, a Mail Drop, one Sending Zone supervisor
// per configured zone, and one SMTP Ingress endpoint per listener.
func build(f *config.File, resolver dnsutil.Resolver) (*instance, error) {
	backend := queue.NewMemory()

	domains := domainconfig.New(domainconfig.Domain{})
	for _, d := range f.Domains {
		domains.Set(d.Domain, domainconfig.Domain{MaxConnections: d.MaxConnections})
	}

	tables := router.Tables{
		RoutingHeaders:  f.Routes.Headers,
		SenderDomain:    f.Routes.SenderDomain,
		RecipientDomain: f.Routes.RecipientDomain,
		Origin:          f.Routes.Origin,
		Default:         f.Routes.Default,
	}

	bus := hooks.NewBus()

	drop := &maildrop.Drop{
		Backend:  backend,
		Bus:      bus,
		Router:   tables,
		Log:      log,
		NextID:   backend.NextID,
		DKIMAlgo: "sha256",
	}

	inst := &instance{
		backend:     backend,
		domains:     domains,
		supervisors: make(map[string]*zone.Supervisor, len(f.Zones)),
	}

	for _, zc := range f.Zones {
		rt := zone.NewRuntime(zoneConfig(zc), domains)
		attempter := &zone.SMTPAttempter{Hostname: f.Hostname}
		sup := zone.NewSupervisor(rt, backend, attempter, log)
		sup.Resolver = resolver
		inst.supervisors[zc.Name] = sup
	}

	for _, lc := range f.Listeners {
		tlsCfg, err := resolveListenerTLS(lc)
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", lc.Name, err)
		}

		ep := ingress.NewEndpoint(ingress.Config{
			Name:              lc.Name,
			Hostname:          f.Hostname,
			Addr:              lc.Addr,
			TLSConfig:         tlsCfg,
			Submission:        lc.Submission,
			MaxRecipients:     lc.MaxRecipients,
			MaxMessageBytes:   lc.MaxMessageBytes,
			AllowInsecureAuth: lc.AllowInsecureAuth,
			WriteTimeout:      lc.WriteTimeout,
			ReadTimeout:       lc.ReadTimeout,
			Resolver:          resolver,
		}, drop, bus, log)
		inst.endpoints = append(inst.endpoints, ep)
	}

	return inst, nil
}

func zoneConfig(zc config.Zone) zone.Config {
	cfg := zone.Config{
		Name:           zc.Name,
		Processes:      zc.Processes,
		Connections:    zc.Connections,
		ThrottleN:      zc.ThrottleN,
		ThrottlePeriod: zc.ThrottlePeriod,
		Disabled:       zc.Disabled,
		IgnoreIPv6:     zc.IgnoreIPv6,
		PreferIPv6:     zc.PreferIPv6,
		BlacklistTTL:   zc.BlacklistTTL,
	}
	if zc.PoolHash == "from" {
		cfg.PoolHash = zone.PoolHashFrom
	}
	for _, addr := range zc.Pool4 {
		cfg.Pool4 = append(cfg.Pool4, poolexpand.Entry{Addr: addr})
	}
	for _, addr := range zc.Pool6 {
		cfg.Pool6 = append(cfg.Pool6, poolexpand.Entry{Addr: addr})
	}
	if cfg.Processes == 0 {
		cfg.Processes = 1
	}
	return cfg
}

// resolveListenerTLS builds the listener's *tls.Config via tlsconf, which
// itself applies spec.md §4.8's env -> inline -> file -> certmagic order.
func resolveListenerTLS(lc config.Listener) (*tls.Config, error) {
	if lc.TLS == nil {
		return nil, nil
	}
	return tlsconf.Resolve(context.Background(), tlsconf.Source{
		CertEnv:      lc.TLS.CertEnv,
		KeyEnv:       lc.TLS.KeyEnv,
		CertFile:     lc.TLS.CertFile,
		KeyFile:      lc.TLS.KeyFile,
		ManagedNames: lc.TLS.ManagedNames,
		ManagedEmail: lc.TLS.ManagedEmail,
		CacheDir:     lc.TLS.CacheDir,
		Log:          log,
	})
}

// reloadZones swaps every running Sending Zone's Runtime for one built from
// nf's matching zone entry, without restarting the worker pool (spec.md
// §4.9 "Configuration reload": "send SIGHUP to all workers; they
// reinitialize in place"). Zones present in the running instance but
// absent from nf keep their last Runtime; zones added to nf after startup
// require a restart, since a Supervisor's worker pool isn't spun up here.
func reloadZones(inst *instance, nf *config.File) {
	domains := domainconfig.New(domainconfig.Domain{})
	for _, d := range nf.Domains {
		domains.Set(d.Domain, domainconfig.Domain{MaxConnections: d.MaxConnections})
	}

	for _, zc := range nf.Zones {
		sup, ok := inst.supervisors[zc.Name]
		if !ok {
			log.Msg("RELOADSKIPNEWZONE", "zone", zc.Name)
			continue
		}
		sup.Reload(zone.NewRuntime(zoneConfig(zc), domains))
		log.Msg("ZONERELOADED", "zone", zc.Name)
	}
}
