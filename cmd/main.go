package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"model-rollout-core/internal/app/api"
	"model-rollout-core/internal/app/artifact"
	"model-rollout-core/internal/app/benchmark"
	"model-rollout-core/internal/app/cleanup"
	"model-rollout-core/internal/app/cluster"
	"model-rollout-core/internal/app/config"
	"model-rollout-core/internal/app/domain"
	"model-rollout-core/internal/app/health"
	Manager "model-rollout-core/internal/app/manager"
	"model-rollout-core/internal/app/metrics"
	"model-rollout-core/internal/app/notify"
	"model-rollout-core/internal/app/probe"
	"model-rollout-core/internal/app/store/sqlite"
	Strategy "model-rollout-core/internal/app/strategy"
	GCP "model-rollout-core/internal/pkg/gcp"
	"model-rollout-core/internal/pkg/modelhub"
)

var (
	cfg        *config.Config
	planPath   string
	configPath = "config/config.yml"
	logLevel   string
	failed     bool
)

func main() {
	defer func() {
		if failed {
			os.Exit(1)
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Store.DSN)
	if err != nil {
		log.Fatalf("Failed to open rollout store: %v", err)
	}
	defer db.Close()
	repo := &sqlite.RolloutRepo{DB: db}

	backend := newBackend(ctx)
	defer backend.Close()
	controller := cluster.NewController(backend, time.Duration(cfg.Health.Interval))

	pipeline, closeStore := newPipeline(ctx)
	defer closeStore()
	sender := probe.NewHTTPSender()
	validator := health.NewValidator(sender, health.Config{
		Path:            cfg.Health.Path,
		Probes:          cfg.Health.Probes,
		Interval:        time.Duration(cfg.Health.Interval),
		MinSuccessRatio: cfg.Health.MinSuccessRatio,
	})
	comparator := benchmark.NewComparator(sender, cfg.Benchmark.Path)
	reconciler := cleanup.NewReconciler(controller, time.Duration(cfg.Rollout.CandidateRetention), time.Duration(cfg.Rollout.ClusterCallTimeout))

	recorder := metrics.NewRecorder(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job)
	publishers, stopPublishers := newPublishers(ctx)
	defer stopPublishers()
	queue := notify.NewQueue(256, publishers)
	go queue.Loop(context.WithoutCancel(ctx))
	defer queue.Close()

	manager := Manager.New(repo, pipeline, controller, validator, comparator, reconciler, Manager.Config{
		Replicas:           cfg.Rollout.Replicas,
		ArtifactTimeout:    time.Duration(cfg.Rollout.ArtifactTimeout),
		Attempts:           cfg.Rollout.ArtifactAttempts,
		RetryBackoff:       time.Duration(cfg.Rollout.RetryBackoff),
		DeployTimeout:      time.Duration(cfg.Rollout.DeployTimeout),
		HealthTimeout:      time.Duration(cfg.Health.Timeout),
		BenchmarkTimeout:   time.Duration(cfg.Rollout.BenchmarkTimeout),
		ConfirmTimeout:     time.Duration(cfg.Rollout.ConfirmTimeout),
		ClusterCallTimeout: time.Duration(cfg.Rollout.ClusterCallTimeout),
		ScaleDownStable:    cfg.Rollout.ScaleDownStable,
	}, queue.Notify, recorder.Observe, pushOutcome(recorder))
	defer manager.Close()

	if n, err := manager.Recover(ctx); err != nil {
		log.Fatalf("Failed to recover interrupted rollouts: %v", err)
	} else if n > 0 {
		log.Warnf("marked %d interrupted rollout(s) as failed", n)
	}
	go reconciler.Run(ctx, time.Duration(cfg.Rollout.SweepInterval))

	if planPath != "" {
		log.Warnf("running the rollout plan from flags. planPath: %s", planPath)
		plan, err := Strategy.NewPlan(planPath)
		if err != nil {
			log.Fatalf("Failed to load rollout plan: %v", err)
		}
		req, err := plan.Request(cfg.Service, cfg.Thresholds, cfg.LoadProfile())
		if err != nil {
			log.Fatalf("Invalid rollout plan: %v", err)
		}
		if cfg.Rollout.Synchronous {
			final, err := manager.Run(ctx, req)
			if err != nil {
				log.Fatalf("Rollout failed: %v", err)
			}
			logFinal(final)
			return
		}
		state, err := manager.Start(ctx, req)
		if err != nil {
			log.Fatalf("Failed to start rollout: %v", err)
		}
		log.Infof("rollout %s started for service '%s'", state.ID, state.Service())
	}

	server := api.NewServer(manager, api.Defaults{
		Service:     cfg.Service,
		Thresholds:  cfg.Thresholds,
		LoadProfile: cfg.LoadProfile(),
	}, recorder.Handler())
	if err := server.ListenAndServe(ctx, cfg.API.Listen); err != nil {
		log.Errorf("Operator API stopped: %v", err)
	}
}

func newBackend(ctx context.Context) cluster.Backend {
	switch cfg.Cluster.Type {
	case "kubernetes":
		k8s, err := cluster.NewKubernetesFromKubeconfig(cfg.Cluster.Kubeconfig, cluster.KubernetesConfig{
			Namespace:  cfg.Cluster.Namespace,
			Image:      cfg.Cluster.Image,
			Port:       cfg.Cluster.Port,
			HealthPath: cfg.Health.Path,
		})
		if err != nil {
			log.Fatalf("Failed to initialize Kubernetes client: %v", err)
		}
		return k8s
	case "cloudrun":
		gcp, err := GCP.NewGCP(ctx, cfg.Cluster.ProjectID, cfg.Cluster.Location, cfg.Cluster.CredentialsPath)
		if err != nil {
			log.Fatalf("Failed to initialize GCP client: %v", err)
		}
		return cluster.NewCloudRun(gcp, cluster.CloudRunConfig{
			Image:       cfg.Cluster.Image,
			RouterImage: cfg.Cluster.RouterImage,
			Port:        cfg.Cluster.Port,
			Timeout:     time.Duration(cfg.Benchmark.RequestTimeout),
		})
	default:
		log.Fatalf("Unknown cluster type: %s", cfg.Cluster.Type)
	}
	return nil
}

func newPipeline(ctx context.Context) (*artifact.Pipeline, func()) {
	var store artifact.Store
	closeStore := func() {}
	if cfg.Artifacts.Bucket != "" {
		gcs, err := GCP.NewStorage(ctx, cfg.Cluster.CredentialsPath)
		if err != nil {
			log.Fatalf("Failed to initialize Cloud Storage client: %v", err)
		}
		store = artifact.NewGCSStore(gcs, cfg.Artifacts.Bucket, cfg.Artifacts.Prefix)
		closeStore = func() { gcs.Close() }
	} else {
		fs, err := artifact.NewFSStore(cfg.Artifacts.Root)
		if err != nil {
			log.Fatalf("Failed to open artifact store: %v", err)
		}
		log.Warn("artifacts are stored on the local filesystem, cluster workloads must share it")
		store = fs
	}
	fetcher := &artifact.HubFetcher{Files: cfg.Artifacts.Files}
	if cfg.Artifacts.HubURL != "" {
		fetcher.Hub = modelhub.New(cfg.Artifacts.HubURL, cfg.Artifacts.HubToken)
	}
	var quantizer artifact.Quantizer = artifact.Passthrough{}
	if len(cfg.Artifacts.QuantizeCommand) > 0 {
		quantizer = &artifact.CommandQuantizer{Args: cfg.Artifacts.QuantizeCommand}
	} else {
		log.Warn("no quantizeCommand configured, only method 'none' can be produced")
	}
	pipeline := artifact.NewPipeline(store, fetcher, quantizer)
	pipeline.WorkDir = cfg.Artifacts.WorkDir
	return pipeline, closeStore
}

func newPublishers(ctx context.Context) ([]notify.EventPublisher, func()) {
	var publishers []notify.EventPublisher
	stop := func() {}
	if cfg.Notify.PubSubTopic != "" {
		p, err := notify.NewPubSubPublisher(ctx, cfg.Notify.PubSubTopic)
		if err != nil {
			log.Fatalf("Failed to initialize Pub/Sub publisher: %v", err)
		}
		publishers = append(publishers, p)
		stop = p.Stop
	}
	if cfg.Notify.WebhookURL != "" {
		publishers = append(publishers, notify.NewWebhookPublisher(cfg.Notify.WebhookURL))
	}
	return publishers, stop
}

// pushOutcome pushes finished rollouts to the Pushgateway off the state
// machine's goroutine.
func pushOutcome(recorder *metrics.Recorder) Manager.Observer {
	return func(s domain.RolloutState) {
		if !s.Phase.IsTerminal() || cfg.Metrics.PushgatewayURL == "" {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := recorder.Push(ctx, s); err != nil {
				log.Warnf("failed to push outcome of %s to Pushgateway: %v", s.ID, err)
			}
		}()
	}
}

func logFinal(s domain.RolloutState) {
	logger := log.WithFields(log.Fields{"rollout": s.ID, "service": s.Service()})
	if s.Phase == domain.PhaseSwitched {
		logger.Infof("rollout switched traffic to artifact %s", s.ArtifactID)
		return
	}
	logger.Errorf("rollout ended %s after %s: %s", s.Phase, s.LastSuccessfulPhase, s.Reason)
	failed = true
}

func init() {
	pflag.StringVar(&configPath, "config", configPath, "Path of the YAML config file")
	pflag.StringVar(&planPath, "plan", "", "Rollout plan to start on launch")
	pflag.StringVar(&logLevel, "log-level", "", "Overrides the configured log level")
	pflag.Parse()

	var err error
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	config.InitLogger(cfg.LogLevel)
}
