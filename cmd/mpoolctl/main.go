// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Command mpoolctl opens a single mpool against a block device, serves
// its Prometheus metrics and a dynamic log-level endpoint, and closes
// it cleanly on SIGINT/SIGTERM. Pool administration (create, destroy,
// activate, list, scan, rename) is out of scope, per spec.md §1's
// "external collaborators" list -- this binary only opens the pool a
// caller already created and hosts the object-level operations this
// module implements.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	bserrors "github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hse-project/mpool/internal/ioctlbackend"
	"github.com/hse-project/mpool/metrics"
	"github.com/hse-project/mpool/params"
	"github.com/hse-project/mpool/pool"
)

// Config is mpoolctl's process configuration, loaded the way cmd.go
// loads server.json.
type Config struct {
	DevicePath    string    `json:"device_path"`
	RuntimeDir    string    `json:"runtime_dir"`
	Label         string    `json:"label"`
	Exclusive     bool      `json:"exclusive"`
	HTTPBindPort  uint32    `json:"http_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "mpoolctl.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(bserrors.Detail(err))
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	log.SetOutputLevel(cfg.LogLevel)
	registerLogLevel()
	raiseFileLimit()

	be, err := ioctlbackend.Open(cfg.DevicePath)
	if err != nil {
		log.Fatal("open backend: ", err)
	}

	mode := pool.ModeShared
	if cfg.Exclusive {
		mode = pool.ModeExclusive
	}
	p, err := pool.Open(context.Background(), pool.Config{
		Backend:    be,
		RuntimeDir: cfg.RuntimeDir,
		Mode:       mode,
		Params:     params.Params{Label: cfg.Label},
	})
	if err != nil {
		log.Fatal("open pool: ", err)
	}
	log.Info("pool opened at ", cfg.DevicePath)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: ":" + strconv.Itoa(int(cfg.HTTPBindPort)), Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	log.Info("http server is running at :", cfg.HTTPBindPort)

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()
	statsDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-statsTicker.C:
				p.Stats()
			case <-statsDone:
				return
			}
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch
	close(statsDone)

	httpServer.Close()
	if err := p.Close(context.Background()); err != nil {
		log.Fatal("close pool: ", err)
	}
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func raiseFileLimit() {
	// Raise the open-file limit to 1024000 unless both the soft and hard
	// limits are already at least 102400.
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system fd limit: ", rLimit)
	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}
	rLimit.Cur = 1024000
	rLimit.Max = 1024000
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Warn("raising rlimit failed: ", err)
	}
}
