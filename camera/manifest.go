// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ManifestName is the name of the transform manifest within a
// sample's camera directory.
const ManifestName = "transforms.json"

// A Manifest describes the rendered views of one sample.
type Manifest struct {
	// CameraAngleX is the horizontal field of view, in radians.
	CameraAngleX float64 `json:"camera_angle_x"`
	Frames       []ManifestFrame `json:"frames"`
}

// A ManifestFrame is one rendered view: the image path (relative to
// the manifest's directory) and the camera-to-world transform in the
// renderer's axis convention (Y up, Z back).
type ManifestFrame struct {
	FilePath        string  `json:"file_path"`
	TransformMatrix Matrix4 `json:"transform_matrix"`
}

const manifestSchema = `{
	"type": "object",
	"required": ["camera_angle_x", "frames"],
	"properties": {
		"camera_angle_x": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 3.141592653589793},
		"frames": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["file_path", "transform_matrix"],
				"properties": {
					"file_path": {"type": "string", "minLength": 1},
					"transform_matrix": {
						"type": "array", "minItems": 4, "maxItems": 4,
						"items": {"type": "array", "minItems": 4, "maxItems": 4, "items": {"type": "number"}}
					}
				}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("transforms.schema.json", manifestSchema)
	})
	return schema, schemaErr
}

// ParseManifest validates and decodes a transform manifest.
func ParseManifest(p []byte) (*Manifest, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(p, &v); err != nil {
		return nil, errors.E(errors.Invalid, "camera: malformed manifest", err)
	}
	if err := sch.Validate(v); err != nil {
		return nil, errors.E(errors.Invalid, "camera: invalid manifest", err)
	}
	m := new(Manifest)
	if err := json.NewDecoder(bytes.NewReader(p)).Decode(m); err != nil {
		return nil, errors.E(errors.Invalid, "camera: decode manifest", err)
	}
	return m, nil
}

// ReadManifest reads the transform manifest in directory root, which
// may be any path or URL supported by github.com/grailbio/base/file.
func ReadManifest(ctx context.Context, root string) (*Manifest, error) {
	name := file.Join(root, ManifestName)
	f, err := file.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("camera: close %s: %v", name, err)
		}
	}()
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(p)
	if err != nil {
		return nil, errors.E(err, name)
	}
	return m, nil
}

// Frame returns the manifest's i'th frame.
func (m *Manifest) Frame(i int) (ManifestFrame, error) {
	if i < 0 || i >= len(m.Frames) {
		return ManifestFrame{}, errors.E(errors.Invalid, fmt.Sprintf("camera: frame %d out of range [0, %d)", i, len(m.Frames)))
	}
	return m.Frames[i], nil
}
