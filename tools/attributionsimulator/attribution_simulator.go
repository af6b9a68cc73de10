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

// This binary replays scripted impression and conversion events and reports where the released histograms
// differ from the expected ones. Scripts run in-process unless an address is given, in which case the events
// are sent to a running attribution server.
package main

import (
	"context"
	"flag"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"github.com/google/privacy-sandbox-attribution/attribution/config"
	"github.com/google/privacy-sandbox-attribution/attribution/simulation"
	"github.com/google/privacy-sandbox-attribution/service/attributionservice"
	"github.com/google/privacy-sandbox-attribution/shared/utils"
)

var (
	scripts    = flag.String("scripts", "", "Comma-separated script files; local, GCS (gs://) or HTTP(S) locations.")
	scriptDir  = flag.String("script_dir", "", "Directory the script files are relative to, local or GCS.")
	configFile = flag.String("config_file", "", "Engine config applied before the config in each script. Uses the defaults if empty.")
	address    = flag.String("address", "", "Address of the attribution server. Scripts run in-process if empty.")

	impersonatedSvcAccount = flag.String("impersonated_svc_account", "", "Service account to impersonate, skipped if empty")

	version string // set by linker -X
	build   string // set by linker -X
)

func baseConfig(ctx context.Context) (*config.Config, error) {
	if *configFile == "" {
		return config.DefaultConfig(), nil
	}
	return config.ReadConfigFile(ctx, *configFile)
}

func runScript(ctx context.Context, filename string) ([]*simulation.Outcome, error) {
	script, err := simulation.ReadScript(ctx, filename)
	if err != nil {
		return nil, err
	}
	if *address == "" {
		cfg, err := baseConfig(ctx)
		if err != nil {
			return nil, err
		}
		return simulation.RunLocal(ctx, script, cfg)
	}

	token, err := utils.GetAuthorizationToken(ctx, *address, *impersonatedSvcAccount)
	if err != nil {
		return nil, err
	}
	client := &attributionservice.Client{
		Address:    *address,
		HTTPClient: attributionservice.NewRetryingHTTPClient(),
		Token:      token,
	}
	// The server keeps its own clock, so the script delays are waited out.
	return simulation.Replay(ctx, client, time.Sleep, script.Events)
}

func main() {
	flag.Parse()

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Error(err)
	} else {
		buildDate = time.Unix(i, 0)
	}
	log.Infof("Running attribution simulator version: %v, build: %v\n", version, buildDate)

	if *scripts == "" {
		log.Exit("no script given")
	}
	filenames := strings.Split(*scripts, ",")
	if *scriptDir != "" {
		for i := range filenames {
			filenames[i] = utils.JoinPath(*scriptDir, filenames[i])
		}
	}
	results := make([][]*simulation.Outcome, len(filenames))

	ctx := context.Background()
	if *address == "" {
		g, gctx := errgroup.WithContext(ctx)
		for i, filename := range filenames {
			i, filename := i, filename
			g.Go(func() error {
				outcomes, err := runScript(gctx, filename)
				if err != nil {
					return err
				}
				results[i] = outcomes
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.Exit(err)
		}
	} else {
		// Scripts sent to a shared server would interfere with each other.
		for i, filename := range filenames {
			outcomes, err := runScript(ctx, filename)
			if err != nil {
				log.Exit(err)
			}
			results[i] = outcomes
		}
	}

	var failed int
	for i, outcomes := range results {
		mismatches := simulation.Mismatches(outcomes)
		log.Infof("%s: %d events, %d mismatches", filenames[i], len(outcomes), len(mismatches))
		failed += len(mismatches)
	}
	if failed > 0 {
		log.Exitf("%d events did not match their expectation", failed)
	}
}
