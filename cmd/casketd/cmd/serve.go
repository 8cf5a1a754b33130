package cmd

import (
	"context"
	"path/filepath"

	"github.com/casket-io/casket/pkg/api"
	"github.com/casket-io/casket/pkg/auth"
	"github.com/casket-io/casket/pkg/cas"
	"github.com/casket-io/casket/pkg/dlogger"
	"github.com/casket-io/casket/pkg/httpd"
	"github.com/casket-io/casket/pkg/metrics"
	"github.com/casket-io/casket/pkg/service"
	"github.com/casket-io/casket/pkg/storage/localfs"
	"github.com/casket-io/casket/pkg/store"
	"github.com/casket-io/casket/pkg/store/bdgr"
	"github.com/casket-io/casket/pkg/store/inmem"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the casket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	registerServeFlags(serveCmd.Flags())
	_ = viper.BindPFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

// registerServeFlags declares the serve flags on the given pflag set
func registerServeFlags(fs *flag.FlagSet) {
	fs.String("listen", ":8080", "address to listen on")
	fs.Int("listen-limit", 0, "limit the number of outstanding requests")
	fs.String("backend", "badger", "metadata backend: badger or inmem")
	fs.String("blob-path", "casket-blob-data", "directory holding content blobs")
	fs.String("meta-path", "casket-meta-data", "directory holding metadata databases")
	fs.String("log-level", "info", "log level: debug, info, warn, error or none")
	fs.Bool("metrics", true, "expose prometheus metrics on /metrics")
	fs.Uint32("chunk-threshold", 1024*1024, "maximum size of a raw chunk in bytes")
	fs.Int64("max-object-size", 64*1024*1024, "maximum size of a single stored object in bytes")
	fs.Bool("verify-on-read", true, "re-hash blobs on read to detect corruption")
	fs.Duration("read-ticket-ttl", 0, "ceiling on read ticket lifetimes")
	fs.Duration("write-ticket-ttl", 0, "ceiling on write ticket lifetimes")
	fs.Duration("user-token-ttl", 0, "lifetime of user tokens")
	fs.Duration("agent-token-ttl", 0, "ceiling on agent token lifetimes")
	fs.Bool("trusted-identity", false, "accept login assertions verbatim (development only)")
}

func serve() error {
	logger := dlogger.MustGetLogger(viper.GetString("log-level"))
	defer func() { _ = logger.Sync() }()

	creds, owners, index, err := buildStores(logger)
	if err != nil {
		return err
	}
	for _, st := range []interface{ Initialize() error }{creds, owners, index} {
		if err := st.Initialize(); err != nil {
			return errors.Wrap(err, "cannot initialize metadata store")
		}
	}
	closeStores := func() {
		for _, st := range []interface{ Close() error }{creds, owners, index} {
			if cerr := st.Close(); cerr != nil {
				logger.Error("cannot close store", zap.Error(cerr))
			}
		}
	}

	blobFs := afero.NewBasePathFs(afero.NewOsFs(), viper.GetString("blob-path"))
	blobs, err := localfs.New(blobFs)
	if err != nil {
		closeStores()
		return errors.Wrap(err, "cannot open blob store")
	}

	var registry *prometheus.Registry
	var m *metrics.M
	if viper.GetBool("metrics") {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(registry)
	}

	content, err := cas.NewStore(blobs, index,
		cas.Logger(logger.Named("cas")),
		cas.ChunkThreshold(viper.GetUint32("chunk-threshold")),
		cas.MaxObjectSize(viper.GetInt64("max-object-size")),
		cas.VerifyOnRead(viper.GetBool("verify-on-read")),
		cas.WithMetrics(m),
	)
	if err != nil {
		closeStores()
		return errors.Wrap(err, "cannot build content store")
	}

	svc := service.New(content, index, owners, creds,
		service.Logger(logger.Named("service")),
		service.WithMetrics(m),
	)
	controller := auth.NewController(creds, auth.ControllerLogger(logger.Named("auth")))
	issuer := auth.NewIssuer(creds,
		auth.IssuerPolicy(policyFromConfig()),
		auth.IssuerClosure(svc.ReadClosure),
		auth.IssuerLogger(logger.Named("issuer")),
	)

	opts := []api.Option{
		api.Logger(logger.Named("api")),
		api.MaxBodyBytes(viper.GetInt64("max-object-size")),
	}
	if registry != nil {
		opts = append(opts, api.MetricsRegistry(registry))
	}
	if viper.GetBool("trusted-identity") {
		logger.Warn("trusted identity mode: login assertions are not verified")
		opts = append(opts, api.Identity(func(_ context.Context, assertion string) (string, error) {
			if assertion == "" {
				return "", errors.New("empty assertion")
			}
			return assertion, nil
		}))
	}
	handlers := api.NewHandlers(svc, controller, issuer, opts...)

	srv := httpd.New(
		httpd.ListensOn(viper.GetString("listen")),
		httpd.LimitsConnectionsTo(viper.GetInt("listen-limit")),
		httpd.HandlesRequestsWith(handlers.Router()),
		httpd.LogsWith(logger.Named("httpd")),
		httpd.OnShutdown(closeStores),
	)
	return srv.Serve()
}

func buildStores(logger *zap.Logger) (store.CredentialStore, store.OwnershipStore, store.DAGStore, error) {
	switch backend := viper.GetString("backend"); backend {
	case "badger":
		meta := viper.GetString("meta-path")
		return bdgr.NewCredentialStore(filepath.Join(meta, "credentials")),
			bdgr.NewOwnershipStore(filepath.Join(meta, "ownership")),
			bdgr.NewDAGStore(filepath.Join(meta, "dag")),
			nil
	case "inmem":
		logger.Warn("in-memory backend: all metadata is lost on restart")
		return inmem.NewCredentialStore(nil), inmem.NewOwnershipStore(), inmem.NewDAGStore(), nil
	default:
		return nil, nil, nil, errors.Errorf("unknown backend %q", backend)
	}
}

func policyFromConfig() auth.Policy {
	p := auth.DefaultPolicy()
	if d := viper.GetDuration("user-token-ttl"); d > 0 {
		p.UserTokenTTL = d
	}
	if d := viper.GetDuration("agent-token-ttl"); d > 0 {
		p.AgentTokenMaxTTL = d
	}
	if d := viper.GetDuration("read-ticket-ttl"); d > 0 {
		p.ReadTicketMaxTTL = d
	}
	if d := viper.GetDuration("write-ticket-ttl"); d > 0 {
		p.WriteTicketMaxTTL = d
	}
	if n := viper.GetUint32("chunk-threshold"); n > 0 {
		p.ChunkThreshold = n
	}
	return p
}
