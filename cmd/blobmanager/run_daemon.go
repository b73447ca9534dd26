// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SnellerInc/blobmanager/aws"
	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/bmstore/memkv"
	"github.com/SnellerInc/blobmanager/bmstore/pebblekv"
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/manager"
	"github.com/SnellerInc/blobmanager/objstore"
	"github.com/SnellerInc/blobmanager/objstore/dirblob"
	"github.com/SnellerInc/blobmanager/objstore/s3blob"
	"github.com/SnellerInc/blobmanager/rangemap"
)

func runDaemon(args []string) {
	daemonCmd := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := daemonCmd.String("config", "", "path to a YAML config file supplying defaults for any flag not given explicitly")
	adminEndpoint := daemonCmd.String("a", "127.0.0.1:9190", "endpoint to listen on for the admin API")
	epoch := daemonCmd.Uint64("epoch", 0, "epoch this manager instance claims (required, must be strictly increasing)")
	dbDir := daemonCmd.String("db", "", "directory for the pebble-backed metadata store (empty uses an in-memory store, for testing only)")
	blobDir := daemonCmd.String("blobdir", "", "local directory objstore for granule data (mutually exclusive with -bucket)")
	bucket := daemonCmd.String("bucket", "", "S3 bucket for granule data (mutually exclusive with -blobdir)")
	iamRole := daemonCmd.String("iam-role", "", "IAM role name to derive S3 credentials from via EC2 instance metadata, if no static credentials are found")
	begin := daemonCmd.String("begin", "", "inclusive lower bound of the key space this manager partitions")
	end := daemonCmd.String("end", "\xff", "exclusive upper bound of the key space this manager partitions")
	dc := daemonCmd.String("dc", "", "datacenter tag recorded on recruited workers; if set, recovery ignores registered workers from other datacenters")
	clusterController := daemonCmd.String("cluster-controller", "", "endpoint of the cluster orchestrator to request recruitment candidates from")

	if daemonCmd.Parse(args) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)

	if *configPath != "" {
		fc, err := loadFileConfig(*configPath)
		if err != nil {
			logger.Fatalf("loading -config %s: %s", *configPath, err)
		}
		explicit := make(map[string]bool)
		daemonCmd.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		fc.applyDefaults(explicit, map[string]*string{
			"a":                  adminEndpoint,
			"db":                 dbDir,
			"blobdir":            blobDir,
			"bucket":             bucket,
			"iam-role":           iamRole,
			"begin":              begin,
			"end":                end,
			"dc":                 dc,
			"cluster-controller": clusterController,
		})
	}

	if *epoch == 0 {
		logger.Fatal("-epoch is required and must be non-zero")
	}

	var store bmstore.Store
	if *dbDir == "" {
		logger.Println("warning: no -db given, using an in-memory metadata store; state will not survive a restart")
		store = memkv.New()
	} else {
		db, err := pebblekv.Open(*dbDir)
		if err != nil {
			logger.Fatalf("opening metadata store at %s: %s", *dbDir, err)
		}
		defer db.Close()
		store = db
	}

	var objects objstore.Store
	switch {
	case *blobDir != "" && *bucket != "":
		logger.Fatal("-blobdir and -bucket are mutually exclusive")
	case *bucket != "":
		key, err := aws.AmbientKey("s3", *iamRole, nil)
		if err != nil {
			logger.Fatalf("deriving S3 credentials: %s", err)
		}
		s3, err := s3blob.New(key, *bucket, nil)
		if err != nil {
			logger.Fatalf("configuring bucket %s: %s", *bucket, err)
		}
		objects = s3
	case *blobDir != "":
		objects = dirblob.New(*blobDir)
	default:
		logger.Fatal("one of -blobdir or -bucket is required")
	}

	ctx := context.Background()
	if err := bmstore.TakeEpoch(ctx, store, *epoch); err != nil {
		logger.Fatalf("taking epoch %d: %s", *epoch, err)
	}

	cfg := manager.Config{
		Normal: rangemap.KeyRange{Begin: rangemap.Key(*begin), End: rangemap.Key(*end)},
		DC:     *dc,
		Logf:   logger.Printf,
	}
	controller := bwrpc.NewHTTPClusterController(recruiterEndpoint(*clusterController), nil)
	dial := func(address string) bwrpc.BlobWorkerClient {
		return bwrpc.NewHTTPClient(address, nil)
	}
	m, err := manager.New(*epoch, store, objects, controller, dial, cfg)
	if err != nil {
		logger.Fatalf("constructing manager: %s", err)
	}

	adminl, err := net.Listen("tcp", *adminEndpoint)
	if err != nil {
		logger.Fatal(err)
	}
	admin := &adminServer{m: m, logger: logger}
	go func() {
		logger.Printf("blob manager epoch %d admin API listening on %v\n", *epoch, adminl.Addr())
		err := http.Serve(adminl, admin.mux())
		if err != nil {
			logger.Println(err)
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(runCtx) }()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
		logger.Println("shutting down")
	case err := <-runErr:
		logger.Printf("manager stopped running: %s", err)
		cancelRun()
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	m.HaltAll(shutdownCtx)
	cancelRun()
	<-runErr
	adminl.Close()
}

// recruiterEndpoint names the cluster orchestrator this manager asks
// for recruitment candidates. This module's scope stops at the blob
// manager itself (spec.md Non-goals), so a real deployment supplies
// its actual cluster controller via -cluster-controller, the config
// file, or (as a last resort) the environment.
func recruiterEndpoint(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("BLOBMANAGER_CLUSTER_CONTROLLER"); v != "" {
		return v
	}
	return "http://127.0.0.1:9191"
}
