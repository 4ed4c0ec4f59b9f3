// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This binary hosts a DAP aggregator serving Leader and Helper tasks.
//
// Every flag defaults to the matching DAP_* environment variable, which may also come from a .env
// file in the working directory.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/profiler"
	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"github.com/google/privacy-sandbox-dap-aggregator/encryption/cryptoio"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregator"
	"github.com/google/privacy-sandbox-dap-aggregator/service/aggregatorservice"
	"github.com/google/privacy-sandbox-dap-aggregator/service/config"
	"github.com/google/privacy-sandbox-dap-aggregator/service/jobmonitor"
	"github.com/google/privacy-sandbox-dap-aggregator/service/metrics"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/utils"
)

var (
	version string // set by linker -X
	build   string // set by linker -X
)

func registerFlags(cfg *config.Config) {
	flag.StringVar(&cfg.Address, "address", cfg.Address, "Address of the DAP HTTP server.")
	flag.StringVar(&cfg.HealthAddress, "health_address", cfg.HealthAddress, "Address of the gRPC health server; empty disables it.")
	flag.StringVar(&cfg.Host, "host", cfg.Host, "Host label of the metrics.")
	flag.StringVar(&cfg.MetricsPrefix, "metrics_prefix", cfg.MetricsPrefix, "Prefix of the metric names.")
	flag.TextVar(&cfg.DefaultVersion, "default_version", cfg.DefaultVersion, "Protocol version answered by the unversioned test endpoints: v02 or v04.")

	flag.StringVar(&cfg.Store, "store", cfg.Store, "Storage backend: pebble or redis.")
	flag.StringVar(&cfg.PebbleDir, "pebble_dir", cfg.PebbleDir, "Directory of the Pebble store.")
	flag.StringVar(&cfg.RedisAddr, "redis_addr", cfg.RedisAddr, "Address of the Redis server.")
	flag.IntVar(&cfg.RedisDB, "redis_db", cfg.RedisDB, "Redis database number.")
	flag.StringVar(&cfg.RedisPrefix, "redis_prefix", cfg.RedisPrefix, "Namespace of the keys in Redis.")

	flag.StringVar(&cfg.KeyringURI, "keyring_uri", cfg.KeyringURI, "Keyring description written by create_hpke_keys.")
	flag.StringVar(&cfg.TasksURI, "tasks_uri", cfg.TasksURI, "JSON list of the tasks registered at startup.")

	flag.BoolVar(&cfg.TaskprovEnabled, "taskprov", cfg.TaskprovEnabled, "Accept tasks provisioned by report extensions.")
	flag.StringVar(&cfg.TaskprovCollectorHpkeConfig, "taskprov_collector_hpke_config", cfg.TaskprovCollectorHpkeConfig, "Base64url HPKE config of the collector of provisioned tasks.")

	flag.IntVar(&cfg.MaxAggJobs, "max_agg_jobs", cfg.MaxAggJobs, "Aggregation jobs per task and process call.")
	flag.IntVar(&cfg.MaxReportsPerJob, "max_reports", cfg.MaxReportsPerJob, "Reports per aggregation job.")
	flag.DurationVar(&cfg.AggregationJobLease, "aggregation_job_lease", cfg.AggregationJobLease, "Time before an unfinished aggregation job is resumed by another process call.")
	flag.IntVar(&cfg.Parallelism, "parallelism", cfg.Parallelism, "Aggregation jobs running at once in a process call.")
	flag.DurationVar(&cfg.DrainInterval, "drain_interval", cfg.DrainInterval, "Minimum time between background process calls; zero disables the loop.")
	// The PubSub subscription should enable the retry policy with an exponential backoff delay, and
	// have a dead-letter topic, since malformed requests are nacked.
	flag.StringVar(&cfg.PubSubSubscription, "pubsub_subscription", cfg.PubSubSubscription, "Fully qualified subscription carrying process requests.")

	flag.IntVar(&cfg.PeerRetryMax, "peer_retry_max", cfg.PeerRetryMax, "Retries of failed requests to the Helper.")
	flag.StringVar(&cfg.HelperIDTokenAudience, "helper_id_token_audience", cfg.HelperIDTokenAudience, "Audience of the ID token sent to the Helper; empty sends none.")
	flag.StringVar(&cfg.ImpersonatedSvcAccount, "impersonated_svc_account", cfg.ImpersonatedSvcAccount, "Service account impersonated for the Helper ID token.")

	flag.StringVar(&cfg.ResultDir, "result_dir", cfg.ResultDir, "Local or GCS directory receiving the completed collections.")
	flag.StringVar(&cfg.FirestoreProject, "firestore_project", cfg.FirestoreProject, "Project of the Firestore mirror of collection jobs; empty disables it.")
	flag.StringVar(&cfg.FirestorePath, "firestore_path", cfg.FirestorePath, "Firestore collection of the collection jobs.")

	flag.StringVar(&cfg.ProfilerService, "profiler_service", cfg.ProfilerService, "Cloud Profiler service name; empty disables profiling.")
	flag.StringVar(&cfg.ProfilerProject, "profiler_project", cfg.ProfilerProject, "Cloud Profiler project.")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Store == config.StoreRedis {
		return storage.OpenRedis(ctx, storage.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Namespace: cfg.RedisPrefix,
		})
	}
	return storage.OpenPebble(cfg.PebbleDir)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Exit(err)
	}
	registerFlags(cfg)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Exit(err)
	}

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Error(err)
	} else {
		buildDate = time.Unix(i, 0)
	}
	log.Infof("DAP aggregator %q listening on address %q", cfg.Host, cfg.Address)
	log.Infof("Running server version: %v, build: %v\n", version, buildDate)
	log.Infof("Store: %s\n", cfg.Store)
	log.Infof("Keyring URI: %s\n", cfg.KeyringURI)
	log.Infof("PubSub subscription: %s\n", cfg.PubSubSubscription)

	ctx := context.Background()
	if cfg.ProfilerService != "" {
		if err := profiler.Start(profiler.Config{Service: cfg.ProfilerService, ServiceVersion: version, ProjectID: cfg.ProfilerProject}); err != nil {
			log.Errorf("start profiler: %v", err)
		}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Exit(err)
	}
	defer store.Close()
	if cfg.KeyringURI == "" {
		log.Exit("keyring_uri is required")
	}
	keyring, err := cryptoio.ReadKeyring(ctx, cfg.KeyringURI)
	if err != nil {
		log.Exit(err)
	}
	taskprovSettings, err := cfg.TaskprovSettings()
	if err != nil {
		log.Exit(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg, cfg.MetricsPrefix, cfg.Host)
	if err != nil {
		log.Exit(err)
	}

	var observers []aggregator.JobObserver
	if cfg.ResultDir != "" {
		observers = append(observers, &aggregatorservice.ResultExporter{Dir: cfg.ResultDir})
	}
	if cfg.FirestoreProject != "" {
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			log.Exit(err)
		}
		defer client.Close()
		observers = append(observers, &jobmonitor.Monitor{Client: client, Path: cfg.FirestorePath})
	}

	peer := aggregatorservice.NewHTTPPeer(cfg.PeerRetryMax)
	peer.IDTokenAudience = cfg.HelperIDTokenAudience
	peer.ImpersonatedSvcAccount = cfg.ImpersonatedSvcAccount
	agg, err := aggregator.New(&aggregator.Params{
		Store:               store,
		Keyring:             keyring,
		Peer:                peer,
		Taskprov:            taskprovSettings,
		Metrics:             m,
		Observers:           observers,
		AggregationJobLease: cfg.AggregationJobLease,
		Parallelism:         cfg.Parallelism,
	})
	if err != nil {
		log.Exit(err)
	}
	if cfg.TasksURI != "" {
		tasks, err := taskconfig.ReadTasks(ctx, cfg.TasksURI)
		if err != nil {
			log.Exit(err)
		}
		for _, task := range tasks {
			if err := agg.RegisterTask(ctx, task); err != nil {
				log.Exit(err)
			}
			log.Infof("Registered task %s as %s %s", task.ID, task.Version, task.Role)
		}
	}

	handler := &aggregatorservice.Handler{
		Aggregator:     agg,
		Metrics:        m,
		AdminToken:     cfg.AdminToken,
		DefaultVersion: cfg.DefaultVersion,
		Gatherer:       reg,
	}
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Create channel to listen for signals.
	signalChan := make(chan os.Signal, 1)
	// SIGINT handles Ctrl+C locally.
	// SIGTERM handles e.g. Cloud Run termination signal.
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	healthServer := health.NewServer()
	var grpcServer *grpc.Server
	if cfg.HealthAddress != "" {
		lis, err := net.Listen("tcp", cfg.HealthAddress)
		if err != nil {
			log.Exit(err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Fatal(err)
			}
		}()
	}

	cctx, cancel := context.WithCancel(ctx)
	if cfg.PubSubSubscription != "" {
		projectID, subID, err := utils.ParsePubSubResourceName(cfg.PubSubSubscription)
		if err != nil {
			log.Exit(err)
		}
		client, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			log.Exit(err)
		}
		defer client.Close()
		trigger := &aggregatorservice.ProcessTrigger{Aggregator: agg, Subscription: client.Subscription(subID)}
		go func() {
			if err := trigger.Run(cctx); err != nil {
				log.Fatalf("Pull Subscription error: %v", err)
			}
		}()
	}
	if cfg.DrainInterval > 0 {
		loop := &aggregatorservice.DrainLoop{
			Aggregator: agg,
			Limits:     cfg.Limits(),
			Limiter:    rate.NewLimiter(rate.Every(cfg.DrainInterval), 1),
		}
		go func() {
			if err := loop.Run(cctx); err != nil && cctx.Err() == nil {
				log.Error(err)
			}
		}()
	}

	// Receive output from signalChan.
	sig := <-signalChan
	log.Infof("%s signal caught", sig)
	healthServer.Shutdown()
	cancel()
	sctx, scancel := context.WithTimeout(ctx, 30*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error(err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}
