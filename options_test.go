// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gaussiancube

import (
	"testing"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/expect"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]string{
		"data_dir":      "/data",
		"batch_size":    "8",
		"deterministic": "true",
		"uncond_p":      "0.2",
		"start_idx":     "10",
		"end_idx":       "20",
		"seed":          "42",
		"clip_input":    "false",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultOptions()
	want.DataDir = "/data"
	want.BatchSize = 8
	want.Deterministic = true
	want.UncondP = 0.2
	want.StartIdx, want.EndIdx = 10, 20
	want.Seed = 42
	want.ClipInput = false
	expect.EQ(t, opts, want)
}

func TestParseOptionsInvalid(t *testing.T) {
	for _, kv := range []map[string]string{
		{"data_dir": "/data", "bogus": "1"},
		{"data_dir": "/data", "batch_size": "eight"},
		{"batch_size": "8"},
		{"data_dir": "/data", "batch_size": "0"},
		{"data_dir": "/data", "mean_file": "mean.pt"},
		{"data_dir": "/data", "uncond_p": "1.5"},
		{"data_dir": "/data", "load_camera": "4"},
	} {
		if _, err := ParseOptions(kv); !errors.Is(errors.Invalid, err) {
			t.Errorf("%v: got %v, want Invalid", kv, err)
		}
	}
}

func TestOptionKeys(t *testing.T) {
	keys := OptionKeys()
	expect.EQ(t, len(keys), len(optionSetters))
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Errorf("keys not sorted: %v", keys)
		}
	}
}

func TestProfileOptions(t *testing.T) {
	profile := config.New()
	for path, value := range map[string]string{
		"data-dir":         "/data",
		"quantile":         "0.9",
		"seed":             "7",
		"drop-last":        "false",
		"black-background": "true",
		"blur-alpha":       "true",
	} {
		if err := profile.Set("gaussiancube/data."+path, value); err != nil {
			t.Fatal(err)
		}
	}
	var opts Options
	if err := profile.Instance("gaussiancube/data", &opts); err != nil {
		t.Fatal(err)
	}
	want := DefaultOptions()
	want.DataDir = "/data"
	want.Quantile = 0.9
	want.Seed = 7
	want.DropLast = false
	want.BlackBackground = true
	want.BlurAlpha = true
	expect.EQ(t, opts, want)
}
