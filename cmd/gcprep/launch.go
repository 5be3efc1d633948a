// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/gaussiancube/launch"
)

func launchCmd(args []string) {
	var (
		flags        = flag.NewFlagSet("launch", flag.ExitOnError)
		n            = flags.Int("n", 2, "number of ranks")
		system       = flags.String("system", "local", "bigmachine system: local or ec2")
		instanceType = flags.String("instance-type", "p3.2xlarge", "EC2 instance type of each rank")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: gcprep launch [flags] -- [check flags]

Launch starts one bigmachine machine per rank and runs check on each
of them. Flags after -- are passed to check.

Flags:
`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	var sys bigmachine.System
	switch *system {
	case "local":
		sys = bigmachine.Local
	case "ec2":
		sys = &ec2system.System{InstanceType: *instanceType}
	default:
		log.Fatalf("unknown system %s", *system)
	}
	if err := launch.Run(context.Background(), sys, *n, checkJob, flags.Args()); err != nil {
		log.Fatal(err)
	}
}
