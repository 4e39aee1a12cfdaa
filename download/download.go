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

// Package download retrieves artifacts to local storage and verifies them
// against the size and hashes of the deployment descriptor.
package download

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/hawkbit-client/checksum"
	"github.com/mendersoftware/hawkbit-client/client"
	"github.com/mendersoftware/hawkbit-client/metrics"
	"github.com/mendersoftware/hawkbit-client/model"
	"github.com/mendersoftware/hawkbit-client/retry"
)

type IntegrityKind int

const (
	SizeMismatch IntegrityKind = iota
	HashMismatch
)

func (k IntegrityKind) String() string {
	if k == SizeMismatch {
		return "size mismatch"
	}
	return "hash mismatch"
}

// IntegrityError means the received content does not match the descriptor.
type IntegrityError struct {
	Filename  string
	Kind      IntegrityKind
	Algorithm checksum.Algorithm
	Err       error
}

func (e *IntegrityError) Error() string {
	if e.Kind == HashMismatch && e.Algorithm != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Filename, e.Kind, e.Algorithm, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Filename, e.Kind, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Transport opens a download location for streaming.
type Transport interface {
	Download(ctx context.Context, href string) (io.ReadCloser, error)
}

type Config struct {
	Policy          retry.Policy
	Algorithms      []checksum.Algorithm
	PreferPlainHTTP bool
	// Fallback allows one attempt on the alternate location once the
	// preferred one failed for good.
	Fallback bool
}

type Result struct {
	Path     string
	Size     int64
	Digests  map[checksum.Algorithm]string
	Location string
}

type Fetcher struct {
	transport Transport
	config    Config
}

func NewFetcher(transport Transport, config Config) *Fetcher {
	if len(config.Algorithms) == 0 {
		config.Algorithms = checksum.All
	}
	return &Fetcher{transport: transport, config: config}
}

// Fetch stores artifact under dir and verifies it. On error no partial file
// is left behind.
func (f *Fetcher) Fetch(ctx context.Context, artifact model.Artifact, dir string) (*Result, error) {
	if !model.SafeFilename(artifact.Filename) {
		return nil, &client.ProtocolError{
			Op:  "download",
			Err: errors.Errorf("unsafe artifact filename %q", artifact.Filename),
		}
	}
	locations := artifact.Links.Locations(f.config.PreferPlainHTTP)
	if len(locations) == 0 {
		return nil, &client.ProtocolError{
			Op:  "download",
			Err: errors.Wrap(model.ErrMissingDownloadLink, artifact.Filename),
		}
	}
	if !f.config.Fallback {
		locations = locations[:1]
	}

	start := time.Now()
	path := filepath.Join(dir, artifact.Filename)
	var err error
	for i, location := range locations {
		if i > 0 {
			log.Warnf("download of %s from %s failed (%v), trying %s",
				artifact.Filename, locations[i-1], err, location)
		}
		var result *Result
		if i == 0 {
			result, err = f.fetchFrom(ctx, artifact, location, path)
		} else {
			// the alternate location gets a single try
			result, err = f.fetchOnce(ctx, artifact, location, path)
		}
		if err == nil {
			metrics.StepDuration.WithLabelValues("download").Observe(time.Since(start).Seconds())
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !canFallBack(err) {
			break
		}
	}
	metrics.DownloadFailures.WithLabelValues(failureReason(err)).Inc()
	return nil, err
}

func (f *Fetcher) fetchFrom(ctx context.Context, artifact model.Artifact, location, path string) (*Result, error) {
	var result *Result
	err := f.config.Policy.Do(ctx, client.IsRetryable, func() error {
		var err error
		result, err = f.fetchOnce(ctx, artifact, location, path)
		if err != nil && client.IsRetryable(err) {
			log.Debugf("download of %s interrupted: %v", artifact.Filename, err)
		}
		return err
	})
	return result, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, artifact model.Artifact, location, path string) (result *Result, err error) {
	body, err := f.transport.Download(ctx, location)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "create artifact file")
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close artifact file")
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	hasher := checksum.New(f.config.Algorithms)
	// read one byte past the declared size to detect oversized content
	limited := io.LimitReader(body, artifact.Size+1)
	n, err := io.Copy(io.MultiWriter(out, hasher), &countingReader{r: limited})
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return nil, errors.Wrap(err, "write artifact file")
		}
		if client.IsRetryable(err) {
			return nil, err
		}
		return nil, &client.TransportError{Op: "download", Err: err}
	}
	if n != artifact.Size {
		return nil, &IntegrityError{
			Filename: artifact.Filename,
			Kind:     SizeMismatch,
			Err:      errors.Errorf("expected %d bytes, received %d", artifact.Size, n),
		}
	}

	digests := hasher.Sum()
	if err := checksum.Verify(declaredHashes(artifact.Hashes), digests); err != nil {
		ie := &IntegrityError{Filename: artifact.Filename, Kind: HashMismatch, Err: err}
		var mismatch *checksum.MismatchError
		if errors.As(err, &mismatch) {
			ie.Algorithm = mismatch.Algorithm
		}
		return nil, ie
	}

	return &Result{Path: path, Size: n, Digests: digests, Location: location}, nil
}

// canFallBack reports whether err is worth a try on another location: the
// content was corrupt or the server stayed unreachable.
func canFallBack(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie) || client.IsRetryable(err)
}

func declaredHashes(h model.Hashes) map[checksum.Algorithm]string {
	declared := map[checksum.Algorithm]string{}
	for name, value := range h.Map() {
		declared[checksum.Algorithm(name)] = value
	}
	return declared
}

func failureReason(err error) string {
	var ie *IntegrityError
	switch {
	case errors.As(err, &ie):
		if ie.Kind == SizeMismatch {
			return "size"
		}
		return "hash"
	case client.IsRetryable(err):
		return "transport"
	case client.IsProtocol(err):
		return "protocol"
	default:
		return "local"
	}
}

type countingReader struct {
	r io.Reader
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	metrics.DownloadedBytes.Add(float64(n))
	return n, err
}
