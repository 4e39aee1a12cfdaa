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

package key

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/hawkbit-client/model"
)

// Scheme is the Authorization scheme the server expects.
type Scheme string

const (
	SchemeTargetToken  Scheme = "TargetToken"
	SchemeGatewayToken Scheme = "GatewayToken"
)

var ErrEmptyToken = errors.New("security token is empty")

type Credential struct {
	Scheme Scheme
	Token  string
}

// Header returns the Authorization header value.
func (c *Credential) Header() string {
	return string(c.Scheme) + " " + c.Token
}

// GetCredential resolves the security token from the configuration. A token
// given directly wins over the token file; when the token file does not exist
// yet the given token is stored there for later runs.
func GetCredential(config *model.RunConfig) (*Credential, error) {
	var credential *Credential
	switch {
	case config.GatewayToken != "":
		credential = &Credential{Scheme: SchemeGatewayToken, Token: config.GatewayToken}
	case config.TargetToken != "":
		credential = &Credential{Scheme: SchemeTargetToken, Token: config.TargetToken}
	}

	if config.TokenFile == "" {
		if credential == nil {
			return nil, ErrEmptyToken
		}
		return credential, nil
	}

	if _, err := os.Stat(config.TokenFile); os.IsNotExist(err) {
		if credential == nil {
			return nil, errors.Wrapf(err, "token file %s", config.TokenFile)
		}
		log.Debug("token file doesn't exist, writing it")
		if err := writeTokenFile(config.TokenFile, credential); err != nil {
			return nil, err
		}
		return credential, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "token file %s", config.TokenFile)
	}

	if credential != nil {
		return credential, nil
	}
	return readTokenFile(config.TokenFile)
}

func writeTokenFile(filename string, credential *Credential) error {
	data := credential.Header() + "\n"
	return errors.Wrap(os.WriteFile(filename, []byte(data), 0600), "write token file")
}

// readTokenFile accepts either a bare target token or "<scheme> <token>".
func readTokenFile(filename string) (*Credential, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0077 != 0 {
		log.Warnf("token file %s is accessible by other users (mode %o)", filename, info.Mode().Perm())
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "read token file")
	}
	fields := strings.Fields(string(data))
	switch len(fields) {
	case 0:
		return nil, errors.Wrapf(ErrEmptyToken, "token file %s", filename)
	case 1:
		return &Credential{Scheme: SchemeTargetToken, Token: fields[0]}, nil
	case 2:
		scheme := Scheme(fields[0])
		if scheme != SchemeTargetToken && scheme != SchemeGatewayToken {
			return nil, errors.Errorf("token file %s: unknown scheme %q", filename, fields[0])
		}
		return &Credential{Scheme: scheme, Token: fields[1]}, nil
	default:
		return nil, errors.Errorf("token file %s: unexpected content", filename)
	}
}
