// Copyright 2024 Google LLC
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

// This binary runs the attribution HTTP service with a gRPC health endpoint and a periodic sweep of
// expired impressions.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
	"cloud.google.com/go/profiler"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/reflection"
	"github.com/google/privacy-sandbox-attribution/attribution/backend"
	"github.com/google/privacy-sandbox-attribution/attribution/config"
	"github.com/google/privacy-sandbox-attribution/service/attributionservice"
	"github.com/google/privacy-sandbox-attribution/storage"
	"github.com/google/privacy-sandbox-attribution/storage/filestore"
	"github.com/google/privacy-sandbox-attribution/storage/firestorestore"
	"github.com/google/privacy-sandbox-attribution/storage/memstore"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const firestorePrefix = "firestore:"

var (
	address       = flag.String("address", ":8080", "Address of the HTTP server.")
	grpcPort      = flag.Int("grpc_port", 3389, "Port for the gRPC health server.")
	configFile    = flag.String("config_file", "", "JSON config file, local, GCS or HTTP(S). Defaults are used when empty.")
	store         = flag.String("store", "memory", `Attribution state store: "memory", "firestore:<project>[/<collection prefix>]", or a snapshot file path (local or gs://).`)
	sweepInterval = flag.Duration("sweep_interval", time.Hour, "Interval between sweeps of expired impressions.")
	enabled       = flag.Bool("enabled", true, "Whether the attribution API starts enabled.")

	enableProfiler  = flag.Bool("enable_profiler", false, "Whether to enable the Cloud Profiler.")
	profilerProject = flag.String("profiler_project", "", "GCP project for the Cloud Profiler.")

	version string // set by linker -X
	build   string // set by linker -X
)

func openStore(ctx context.Context, spec string) (storage.Store, error) {
	switch {
	case spec == "" || spec == "memory":
		return memstore.New(), nil
	case strings.HasPrefix(spec, firestorePrefix):
		project, prefix := strings.TrimPrefix(spec, firestorePrefix), ""
		if i := strings.Index(project, "/"); i >= 0 {
			project, prefix = project[:i], project[i+1:]
		}
		if project == "" {
			return nil, errors.New("empty Firestore project ID")
		}
		return firestorestore.New(ctx, firestorestore.Config{ProjectID: project, CollectionPrefix: prefix})
	default:
		return filestore.Open(ctx, spec)
	}
}

func main() {
	flag.Parse()
	ctx := context.Background()

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Error(err)
	} else {
		buildDate = time.Unix(i, 0)
	}
	log.Infof("Running attribution server version: %v, build: %v\n", version, buildDate)

	if *enableProfiler {
		if err := profiler.Start(profiler.Config{
			Service:        "attribution-server",
			ServiceVersion: version,
			ProjectID:      *profilerProject,
		}); err != nil {
			log.Exit(err)
		}
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.ReadConfigFile(ctx, *configFile); err != nil {
			log.Exit(err)
		}
	}

	st, err := openStore(ctx, *store)
	if err != nil {
		log.Exit(err)
	}
	defer st.Close()

	b, err := backend.New(cfg, backend.Options{Store: st})
	if err != nil {
		log.Exit(err)
	}
	b.SetEnabled(*enabled)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *grpcPort))
	if err != nil {
		log.Exit(err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	srv := &http.Server{
		Addr:      *address,
		Handler:   attributionservice.NewHandler(b),
		TLSConfig: &tls.Config{},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("gRPC health server is listening on port: %d", *grpcPort)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Infof("Listening to %v", *address)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		return attributionservice.RunExpirySweeper(ctx, b, *sweepInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return srv.Shutdown(context.Background())
	})
	log.Exit(g.Wait())
}
