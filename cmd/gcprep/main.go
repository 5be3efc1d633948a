// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command gcprep inspects GaussianCube training data the way a
// training job reads it.
//
//	gcprep check -data-dir s3://bucket/volumes -mean-file ... -std-file ...
//	gcprep launch -n 4 -system local -- -data-dir ...
package main

import (
	"flag"
	"fmt"
	golog "log"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/natefinch/lumberjack"
)

// profilePath is the default configuration profile. Its
// gaussiancube/data instance supplies check's options when check is
// given -profile.
var profilePath = os.ExpandEnv("$HOME/.gaussiancube/config")

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `Gcprep inspects GaussianCube training data.

Usage:

	gcprep <command> [arguments]

The commands are:

	check       read batches on this process, as one rank of a group
	launch      run check on every rank of a bigmachine cluster
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("gcprep: ")
	must.Func = log.Fatal
	var (
		logFile    = flag.String("log-file", "", "write log messages to this rotated file instead of stderr")
		logMaxSize = flag.Int("log-max-size", 100, "size in megabytes at which the log file is rotated")
		logMaxAge  = flag.Int("log-max-age", 28, "days for which rotated log files are retained")
	)
	flag.Usage = usage
	config.RegisterFlags("", profilePath)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	if *logFile != "" {
		golog.SetOutput(&lumberjack.Logger{
			Filename: *logFile,
			MaxSize:  *logMaxSize, // megabytes
			MaxAge:   *logMaxAge,  // days
		})
	}
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "check":
		checkCmd(args)
	case "launch":
		launchCmd(args)
	}
}
