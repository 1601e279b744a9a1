// Copyright 2021 The Bean Sketch Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This package is the entrypoint for the sketch personality server.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/littlerobots/bean-sketch/sketch/cmd/sketch_personality/internal"
	"golang.org/x/mod/sumdb/note"
	"golang.org/x/sync/errgroup"

	_ "github.com/go-sql-driver/mysql" // Load drivers for mysql
	_ "github.com/mattn/go-sqlite3"    // Load drivers for sqlite3
)

var (
	listenAddr     = flag.String("listen", ":8000", "Address:port to listen for requests on")
	dbDriver       = flag.String("db_driver", "sqlite3", "database/sql driver to store sketches with, one of sqlite3 or mysql")
	dbDSN          = flag.String("db_dsn", ":memory:", "data source name for --db_driver, e.g. /tmp/sketches.db or user:pass@tcp(host:3306)/sketches")
	connectTimeout = flag.Duration("connect_timeout", time.Minute, "Maximum time to wait for the database to become available")
	verifierKeys   = flag.String("verifier_keys", "", "comma separated note verifier keys; if set, every added sketch must carry a manifest note signed by one of them")
)

func main() {
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	verifiers, err := parseVerifiers(*verifierKeys)
	if err != nil {
		glog.Exitf("Invalid --verifier_keys: %v", err)
	}

	store, err := internal.OpenSQLStore(ctx, *dbDriver, *dbDSN, *connectTimeout)
	if err != nil {
		glog.Exitf("Failed to open store: %v", err)
	}
	defer store.Close()

	r := mux.NewRouter()
	internal.NewServer(store, verifiers).RegisterHandlers(r)
	srv := &http.Server{Addr: *listenAddr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Infof("Starting sketch personality server on %s...", *listenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		glog.Info("Shutting down...")
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		glog.Errorf("Server exited: %v", err)
	}
}

// parseVerifiers returns nil if keys is empty.
func parseVerifiers(keys string) (note.Verifiers, error) {
	if keys == "" {
		return nil, nil
	}
	var vs []note.Verifier
	for _, k := range strings.Split(keys, ",") {
		v, err := note.NewVerifier(strings.TrimSpace(k))
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return note.VerifierList(vs...), nil
}
