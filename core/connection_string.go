/*
Copyright © 2020 Evhub Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const redacted string = "<redacted>"

// ConnectionString describes how to reach an event hub. It holds
// a shared access key and therefore never prints its content.
type ConnectionString struct {
	Endpoint            string
	SharedAccessKeyName string
	SharedAccessKey     string
	EntityPath          string
	raw                 string
}

// ParseConnectionString parses the
// Endpoint=sb://<ns>/;SharedAccessKeyName=<n>;SharedAccessKey=<k>;EntityPath=<e>
// format. Keys are matched case insensitively. Errors never
// include the offending input.
func ParseConnectionString(s string) (ConnectionString, error) {
	cs := ConnectionString{raw: strings.TrimSpace(s)}
	for _, part := range strings.Split(cs.raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.Index(part, "=")
		if i <= 0 {
			return ConnectionString{}, ConfigError("parse connection string", errors.New("malformed key value pair"))
		}
		k, v := part[:i], part[i+1:]
		switch strings.ToLower(k) {
		case "endpoint":
			cs.Endpoint = v
		case "sharedaccesskeyname":
			cs.SharedAccessKeyName = v
		case "sharedaccesskey":
			cs.SharedAccessKey = v
		case "entitypath":
			cs.EntityPath = v
		}
	}
	if err := cs.Validate(); err != nil {
		return ConnectionString{}, err
	}
	return cs, nil
}

// NewConnectionString assembles a connection string from its
// individual options.
func NewConnectionString(endpoint, keyName, key, entityPath string) (ConnectionString, error) {
	cs := ConnectionString{
		Endpoint:            endpoint,
		SharedAccessKeyName: keyName,
		SharedAccessKey:     key,
		EntityPath:          entityPath,
	}
	if err := cs.Validate(); err != nil {
		return ConnectionString{}, err
	}
	cs.raw = cs.format(cs.SharedAccessKey)
	return cs, nil
}

func (c ConnectionString) Validate() error {
	if c.Endpoint == "" {
		return ConfigError("validate connection string", errors.New("endpoint is required"))
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" {
		return ConfigError("validate connection string", errors.New("endpoint must be an absolute url such as sb://<namespace>/"))
	}
	if c.EntityPath == "" {
		return ConfigError("validate connection string", errors.New("entity path is required"))
	}
	if (c.SharedAccessKeyName == "") != (c.SharedAccessKey == "") {
		return ConfigError("validate connection string", errors.New("shared access key name and key must be set together"))
	}
	return nil
}

// Namespace is the fully qualified host name of the endpoint.
func (c ConnectionString) Namespace() string {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Secret returns the connection string including the shared
// access key. It is meant for the transport's authentication
// and must not be logged.
func (c ConnectionString) Secret() string {
	if c.raw == "" && c.Endpoint != "" {
		return c.format(c.SharedAccessKey)
	}
	return c.raw
}

func (c ConnectionString) IsZero() bool {
	return c.Endpoint == "" && c.EntityPath == ""
}

func (c ConnectionString) String() string {
	if c.IsZero() {
		return ""
	}
	return c.format(redacted)
}

func (c ConnectionString) GoString() string {
	return fmt.Sprintf("core.ConnectionString{%s}", c.String())
}

func (c ConnectionString) format(key string) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "Endpoint=%s", c.Endpoint)
	if c.SharedAccessKeyName != "" {
		fmt.Fprintf(&b, ";SharedAccessKeyName=%s;SharedAccessKey=%s", c.SharedAccessKeyName, key)
	}
	fmt.Fprintf(&b, ";EntityPath=%s", c.EntityPath)
	return b.String()
}
