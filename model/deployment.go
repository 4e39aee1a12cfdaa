// Copyright 2021 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package model

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// HandlingType tells the device how to process the download or update part
// of a deployment.
type HandlingType string

const (
	HandlingSkip    HandlingType = "skip"
	HandlingAttempt HandlingType = "attempt"
	HandlingForced  HandlingType = "forced"
)

type MaintenanceWindow string

const (
	MaintenanceWindowAvailable   MaintenanceWindow = "available"
	MaintenanceWindowUnavailable MaintenanceWindow = "unavailable"
)

// DeploymentBase is the descriptor served at deploymentBase/{actionId}.
type DeploymentBase struct {
	ID            string         `json:"id"`
	Deployment    Deployment     `json:"deployment"`
	ActionHistory *ActionHistory `json:"actionHistory,omitempty"`
}

type Deployment struct {
	Download          HandlingType      `json:"download"`
	Update            HandlingType      `json:"update"`
	MaintenanceWindow MaintenanceWindow `json:"maintenanceWindow,omitempty"`
	Chunks            []Chunk           `json:"chunks"`
}

type ActionHistory struct {
	Status   string   `json:"status"`
	Messages []string `json:"messages"`
}

type Chunk struct {
	Part      string     `json:"part"`
	Name      string     `json:"name"`
	Version   string     `json:"version"`
	Metadata  []Metadata `json:"metadata,omitempty"`
	Artifacts []Artifact `json:"artifacts"`
}

type Metadata struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Artifact struct {
	Filename string        `json:"filename"`
	Size     int64         `json:"size"`
	Hashes   Hashes        `json:"hashes"`
	Links    ArtifactLinks `json:"_links"`
}

type Hashes struct {
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Map returns the declared hashes keyed by algorithm name, omitting empty ones.
func (h Hashes) Map() map[string]string {
	m := map[string]string{}
	if h.MD5 != "" {
		m["md5"] = h.MD5
	}
	if h.SHA1 != "" {
		m["sha1"] = h.SHA1
	}
	if h.SHA256 != "" {
		m["sha256"] = h.SHA256
	}
	return m
}

// ArtifactLinks holds the equivalent download locations of an artifact.
// Download is served over https, DownloadHTTP over plain http.
type ArtifactLinks struct {
	Download     *Link `json:"download,omitempty"`
	MD5Sum       *Link `json:"md5sum,omitempty"`
	DownloadHTTP *Link `json:"download-http,omitempty"`
	MD5SumHTTP   *Link `json:"md5sum-http,omitempty"`
}

var ErrMissingDownloadLink = errors.New("artifact has neither download nor download-http link")

func (l *ArtifactLinks) UnmarshalJSON(data []byte) error {
	type plain ArtifactLinks
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Download.href() == "" && p.DownloadHTTP.href() == "" {
		return ErrMissingDownloadLink
	}
	*l = ArtifactLinks(p)
	return nil
}

// Locations returns the download URLs in preference order. The secure
// location comes first unless preferPlain is set.
func (l ArtifactLinks) Locations(preferPlain bool) []string {
	var locations []string
	secure, insecure := l.Download.href(), l.DownloadHTTP.href()
	if preferPlain {
		secure, insecure = insecure, secure
	}
	for _, href := range []string{secure, insecure} {
		if href != "" {
			locations = append(locations, href)
		}
	}
	return locations
}

// Artifacts returns the number of artifacts across all chunks.
func (d *Deployment) Artifacts() int {
	n := 0
	for _, c := range d.Chunks {
		n += len(c.Artifacts)
	}
	return n
}

// InstallAllowed reports whether the server lets the device install now, as
// opposed to downloading only and waiting for a maintenance window.
func (d *Deployment) InstallAllowed() bool {
	if d.Update == HandlingSkip {
		return false
	}
	return d.MaintenanceWindow != MaintenanceWindowUnavailable
}

// SafeFilename rejects names that would escape the download directory.
func SafeFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "\x00")
}

// Validate checks the parts of a descriptor the client relies on.
func (b *DeploymentBase) Validate(actionID string) error {
	if b.ID != actionID {
		return errors.Errorf("descriptor id %q does not match action %q", b.ID, actionID)
	}
	for _, c := range b.Deployment.Chunks {
		for _, a := range c.Artifacts {
			if !SafeFilename(a.Filename) {
				return errors.Errorf("chunk %s: unsafe artifact filename %q", c.Name, a.Filename)
			}
			if a.Size < 0 {
				return errors.Errorf("artifact %s: negative size", a.Filename)
			}
			if len(a.Links.Locations(false)) == 0 {
				return errors.Wrapf(ErrMissingDownloadLink, "artifact %s", a.Filename)
			}
		}
	}
	return nil
}
