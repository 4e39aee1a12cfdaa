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

// Package checksum computes streaming artifact digests and compares them
// with the hashes declared by the server.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
)

// All lists the supported algorithms in a stable order.
var All = []Algorithm{MD5, SHA1, SHA256}

var ErrNoCommonAlgorithm = errors.New("none of the declared hashes uses a configured algorithm")

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	}
	return nil
}

// ParseAlgorithms validates a list of algorithm names. Duplicates are
// collapsed and the result follows the order of All.
func ParseAlgorithms(names []string) ([]Algorithm, error) {
	if len(names) == 0 {
		return nil, errors.New("at least one hash algorithm is required")
	}
	wanted := map[Algorithm]bool{}
	for _, name := range names {
		a := Algorithm(strings.ToLower(strings.TrimSpace(name)))
		if a.newHash() == nil {
			return nil, errors.Errorf("unsupported hash algorithm %q", name)
		}
		wanted[a] = true
	}
	algorithms := make([]Algorithm, 0, len(wanted))
	for _, a := range All {
		if wanted[a] {
			algorithms = append(algorithms, a)
		}
	}
	return algorithms, nil
}

// Hasher feeds every written byte to each configured digest. It never
// fails a Write, so it can sit behind an io.MultiWriter.
type Hasher struct {
	hashes map[Algorithm]hash.Hash
}

func New(algorithms []Algorithm) *Hasher {
	h := &Hasher{hashes: make(map[Algorithm]hash.Hash, len(algorithms))}
	for _, a := range algorithms {
		if hh := a.newHash(); hh != nil {
			h.hashes[a] = hh
		}
	}
	return h
}

func (h *Hasher) Write(p []byte) (int, error) {
	for _, hh := range h.hashes {
		// hash.Hash.Write never returns an error
		hh.Write(p)
	}
	return len(p), nil
}

// Sum returns the lowercase hex digest of everything written so far.
func (h *Hasher) Sum() map[Algorithm]string {
	sums := make(map[Algorithm]string, len(h.hashes))
	for a, hh := range h.hashes {
		sums[a] = hex.EncodeToString(hh.Sum(nil))
	}
	return sums
}

// MismatchError reports a declared digest that differs from the computed one.
type MismatchError struct {
	Algorithm Algorithm
	Expected  string
	Actual    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

// Verify compares declared digests with computed ones. Declared algorithms
// that were not computed are skipped; if something was declared but nothing
// could be compared the artifact is not considered verified.
func Verify(declared map[Algorithm]string, computed map[Algorithm]string) error {
	declaredAlgorithms := make([]string, 0, len(declared))
	for a, expected := range declared {
		if expected != "" {
			declaredAlgorithms = append(declaredAlgorithms, string(a))
		}
	}
	if len(declaredAlgorithms) == 0 {
		return nil
	}
	sort.Strings(declaredAlgorithms)

	compared := 0
	for _, name := range declaredAlgorithms {
		a := Algorithm(name)
		actual, ok := computed[a]
		if !ok {
			continue
		}
		compared++
		expected := strings.TrimSpace(declared[a])
		if !strings.EqualFold(expected, actual) {
			return &MismatchError{Algorithm: a, Expected: expected, Actual: actual}
		}
	}
	if compared == 0 {
		return errors.Wrapf(ErrNoCommonAlgorithm, "declared %s", strings.Join(declaredAlgorithms, ","))
	}
	return nil
}
